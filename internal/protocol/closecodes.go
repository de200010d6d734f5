package protocol

// CloseAction is what a shard must do after the server closed its connection.
type CloseAction int

const (
	// CloseResumable keeps the session and reconnects with a resume.
	CloseResumable CloseAction = iota
	// CloseReidentify drops the session and reconnects with a fresh identify.
	CloseReidentify
	// CloseFatal ends the shard; reconnecting cannot succeed.
	CloseFatal
)

func (a CloseAction) String() string {
	switch a {
	case CloseResumable:
		return "resumable"
	case CloseReidentify:
		return "reidentify"
	case CloseFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Gateway close codes.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014

	// CloseClientReconnect is sent by the client when it drops a connection
	// it intends to resume. 1000 and 1001 would invalidate the session.
	CloseClientReconnect = 4900
)

type closeCode struct {
	action CloseAction
	reason string
}

var closeCodes = map[int]closeCode{
	CloseUnknownError:         {CloseResumable, "unknown error"},
	CloseUnknownOpcode:        {CloseResumable, "unknown opcode"},
	CloseDecodeError:          {CloseResumable, "decode error"},
	CloseNotAuthenticated:     {CloseReidentify, "not authenticated"},
	CloseAuthenticationFailed: {CloseFatal, "authentication failed"},
	CloseAlreadyAuthenticated: {CloseResumable, "already authenticated"},
	CloseInvalidSeq:           {CloseReidentify, "invalid sequence"},
	CloseRateLimited:          {CloseReidentify, "rate limited"},
	CloseSessionTimedOut:      {CloseReidentify, "session timed out"},
	CloseInvalidShard:         {CloseFatal, "invalid shard"},
	CloseShardingRequired:     {CloseFatal, "sharding required"},
	CloseInvalidAPIVersion:    {CloseFatal, "invalid API version"},
	CloseInvalidIntents:       {CloseFatal, "invalid intents"},
	CloseDisallowedIntents:    {CloseFatal, "disallowed intents"},
}

// Classify maps a close code to the shard's next action. Codes outside the
// gateway table (network level closes, 1000, 1006, ...) keep the session.
func Classify(code int) CloseAction {
	if c, ok := closeCodes[code]; ok {
		return c.action
	}
	return CloseResumable
}

// CloseReason returns a human readable description of a gateway close code.
func CloseReason(code int) string {
	if c, ok := closeCodes[code]; ok {
		return c.reason
	}
	return "connection closed"
}
