package protocol

import (
	"errors"
	"strings"
	"testing"
)

// TestEncode tests the Encode function with various inputs
func TestEncode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		op        Opcode
		data      any
		want      string
		wantError bool
	}{
		{
			name: "heartbeat without sequence",
			op:   OpHeartbeat,
			data: Heartbeat(0),
			want: `{"op":1,"d":null}`,
		},
		{
			name: "heartbeat with sequence",
			op:   OpHeartbeat,
			data: Heartbeat(42),
			want: `{"op":1,"d":42}`,
		},
		{
			name: "resume",
			op:   OpResume,
			data: Resume{Token: "t", SessionID: "abc", Seq: 7},
			want: `{"op":6,"d":{"token":"t","session_id":"abc","seq":7}}`,
		},
		{
			name:      "command exceeds max size",
			op:        OpPresenceUpdate,
			data:      strings.Repeat("x", maxCommandSize),
			wantError: true,
		},
		{
			name:      "unencodable data",
			op:        OpPresenceUpdate,
			data:      make(chan int),
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := Encode(tt.op, tt.data)

			if (err != nil) != tt.wantError {
				t.Errorf("Encode() error = %v, wantError %v", err, tt.wantError)
				return
			}

			if tt.wantError {
				return
			}

			if string(result) != tt.want {
				t.Errorf("Encode() = %s, want %s", result, tt.want)
			}
		})
	}
}

// TestDecode tests the Decode function with various inputs
func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      string
		wantOp    Opcode
		wantSeq   int64
		wantType  string
		wantError bool
	}{
		{
			name:   "hello",
			data:   `{"op":10,"d":{"heartbeat_interval":41250},"s":null,"t":null}`,
			wantOp: OpHello,
		},
		{
			name:     "dispatch",
			data:     `{"op":0,"d":{"id":"1"},"s":5,"t":"MESSAGE_CREATE"}`,
			wantOp:   OpDispatch,
			wantSeq:  5,
			wantType: "MESSAGE_CREATE",
		},
		{
			name:   "heartbeat ack without data",
			data:   `{"op":11}`,
			wantOp: OpHeartbeatAck,
		},
		{
			name:   "unknown opcode still decodes",
			data:   `{"op":99,"d":{}}`,
			wantOp: Opcode(99),
		},
		{
			name:      "empty message",
			data:      "",
			wantError: true,
		},
		{
			name:      "not json",
			data:      "\x78\x9c\x00",
			wantError: true,
		},
		{
			name:      "wrong field type",
			data:      `{"op":"hello"}`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := Decode([]byte(tt.data))

			if (err != nil) != tt.wantError {
				t.Fatalf("Decode() error = %v, wantError %v", err, tt.wantError)
			}

			if tt.wantError {
				if !errors.Is(err, ErrMalformed) {
					t.Errorf("Decode() error = %v, want ErrMalformed", err)
				}
				return
			}

			if p.Op != tt.wantOp {
				t.Errorf("op = %v, want %v", p.Op, tt.wantOp)
			}
			if p.Seq != tt.wantSeq {
				t.Errorf("seq = %d, want %d", p.Seq, tt.wantSeq)
			}
			if p.Type != tt.wantType {
				t.Errorf("type = %q, want %q", p.Type, tt.wantType)
			}
		})
	}
}

// TestDecodeTooLarge tests that oversized payloads are rejected before parsing
func TestDecodeTooLarge(t *testing.T) {
	t.Parallel()

	data := make([]byte, maxPayloadSize+1)
	if _, err := Decode(data); err == nil {
		t.Error("expected error for oversized payload")
	}
}

// TestDecodeData tests decoding of payload bodies
func TestDecodeData(t *testing.T) {
	t.Parallel()

	p, err := Decode([]byte(`{"op":10,"d":{"heartbeat_interval":45000}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	var hello Hello
	if err := p.DecodeData(&hello); err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	if hello.HeartbeatInterval != 45000 {
		t.Errorf("heartbeat interval = %d, want 45000", hello.HeartbeatInterval)
	}

	empty := &Payload{Op: OpHello}
	if err := empty.DecodeData(&hello); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeData() on empty body error = %v, want ErrMalformed", err)
	}
}

// TestOpcodeString tests opcode names, including unknown values
func TestOpcodeString(t *testing.T) {
	t.Parallel()

	if got := OpHeartbeatAck.String(); got != "HEARTBEAT_ACK" {
		t.Errorf("String() = %q", got)
	}
	if got := Opcode(42).String(); got != "OPCODE(42)" {
		t.Errorf("String() = %q", got)
	}
	if Opcode(42).Known() {
		t.Error("opcode 42 should not be known")
	}
	if !OpVoiceStateUpdate.ApplicationCommand() || OpIdentify.ApplicationCommand() {
		t.Error("unexpected application command classification")
	}
}

// TestClassify tests the close code table
func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want CloseAction
	}{
		{1000, CloseResumable},
		{1006, CloseResumable},
		{CloseUnknownError, CloseResumable},
		{CloseDecodeError, CloseResumable},
		{CloseAlreadyAuthenticated, CloseResumable},
		{CloseNotAuthenticated, CloseReidentify},
		{CloseInvalidSeq, CloseReidentify},
		{CloseRateLimited, CloseReidentify},
		{CloseSessionTimedOut, CloseReidentify},
		{CloseAuthenticationFailed, CloseFatal},
		{CloseInvalidShard, CloseFatal},
		{CloseShardingRequired, CloseFatal},
		{CloseInvalidAPIVersion, CloseFatal},
		{CloseInvalidIntents, CloseFatal},
		{CloseDisallowedIntents, CloseFatal},
	}

	for _, tt := range tests {
		if got := Classify(tt.code); got != tt.want {
			t.Errorf("Classify(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}

	if CloseReason(CloseInvalidShard) != "invalid shard" {
		t.Errorf("CloseReason(4010) = %q", CloseReason(CloseInvalidShard))
	}
}

// TestGatewayURL tests query parameter encoding of the connection URL
func TestGatewayURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		base      string
		version   int
		compress  bool
		want      string
		wantError bool
	}{
		{
			name:     "compressed",
			base:     "wss://gateway.example.com",
			version:  10,
			compress: true,
			want:     "wss://gateway.example.com/?compress=zlib-stream&encoding=json&v=10",
		},
		{
			name:    "default version without compression",
			base:    "ws://127.0.0.1:1234/gw",
			version: 0,
			want:    "ws://127.0.0.1:1234/gw?encoding=json&v=10",
		},
		{
			name:    "existing query is replaced",
			base:    "wss://resume.example.com/?v=6&encoding=etf",
			version: 10,
			want:    "wss://resume.example.com/?encoding=json&v=10",
		},
		{
			name:      "http scheme rejected",
			base:      "https://gateway.example.com",
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := GatewayURL(tt.base, tt.version, tt.compress)
			if (err != nil) != tt.wantError {
				t.Fatalf("GatewayURL() error = %v, wantError %v", err, tt.wantError)
			}
			if got != tt.want {
				t.Errorf("GatewayURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
