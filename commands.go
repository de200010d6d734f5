package remedy

// Gateway command opcodes an application may send through Bot.Send.
// The remaining opcodes (heartbeat, identify, resume) are owned by the shard.
const (
	CmdPresenceUpdate      = 3
	CmdVoiceStateUpdate    = 4
	CmdRequestGuildMembers = 8
)

// Standard error messages
const (
	// Gateway errors
	ErrShardNotFound     = "shard not found"
	ErrShardNotReady     = "shard is not ready"
	ErrCommandNotAllowed = "command opcode not allowed"
	ErrConnectionClosed  = "gateway connection is closed"
	ErrFailedToEncode    = "failed to encode payload"
	ErrBotAlreadyRunning = "bot already running"
	ErrBotNotRunning     = "bot not running"

	// REST errors
	ErrRateLimited     = "rate limited"
	ErrUnexpectedReply = "unexpected response"
)
