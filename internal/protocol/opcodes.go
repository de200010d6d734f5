package protocol

import "strconv"

// Opcode identifies the kind of a gateway payload.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "DISPATCH",
	OpHeartbeat:           "HEARTBEAT",
	OpIdentify:            "IDENTIFY",
	OpPresenceUpdate:      "PRESENCE_UPDATE",
	OpVoiceStateUpdate:    "VOICE_STATE_UPDATE",
	OpResume:              "RESUME",
	OpReconnect:           "RECONNECT",
	OpRequestGuildMembers: "REQUEST_GUILD_MEMBERS",
	OpInvalidSession:      "INVALID_SESSION",
	OpHello:               "HELLO",
	OpHeartbeatAck:        "HEARTBEAT_ACK",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "OPCODE(" + strconv.Itoa(int(o)) + ")"
}

// Known reports whether o is part of the supported opcode set.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// ApplicationCommand reports whether an application may send o itself.
// Heartbeat, identify and resume are owned by the shard.
func (o Opcode) ApplicationCommand() bool {
	switch o {
	case OpPresenceUpdate, OpVoiceStateUpdate, OpRequestGuildMembers:
		return true
	default:
		return false
	}
}
