package protocol

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

const (
	// maxPayloadSize bounds a single inbound (decompressed) payload.
	maxPayloadSize = 10 * 1024 * 1024 // 10MB
	// maxCommandSize is the largest outbound payload the gateway accepts.
	maxCommandSize = 4096
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformed is returned for payloads that are not a gateway envelope.
var ErrMalformed = errors.New("malformed gateway payload")

// Payload is the envelope of every inbound gateway message.
//
// Seq and Type are only set for OpDispatch.
type Payload struct {
	Op   Opcode              `json:"op"`
	Data jsoniter.RawMessage `json:"d"`
	Seq  int64               `json:"s"`
	Type string              `json:"t"`
}

type command struct {
	Op   Opcode `json:"op"`
	Data any    `json:"d"`
}

// Encode builds an outbound gateway command.
func Encode(op Opcode, data any) ([]byte, error) {
	out, err := json.Marshal(command{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	if len(out) > maxCommandSize {
		return nil, fmt.Errorf("command size %d exceeds maximum %d bytes", len(out), maxCommandSize)
	}
	return out, nil
}

// Decode parses one complete gateway message.
// The returned Data aliases data - do not modify it.
func Decode(data []byte) (*Payload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &p, nil
}

// DecodeData unmarshals the payload body into v.
func (p *Payload) DecodeData(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformed, p.Op)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, p.Op, err)
	}
	return nil
}
