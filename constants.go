package gateway

import (
	"runtime"
	"time"
)

// Op is a gateway opcode. The numbers follow the published gateway protocol.
type Op int

const (
	OpDispatch            Op = 0
	OpHeartbeat           Op = 1
	OpIdentify            Op = 2
	OpPresenceUpdate      Op = 3
	OpVoiceStateUpdate    Op = 4
	OpResume              Op = 6
	OpReconnect           Op = 7
	OpRequestGuildMembers Op = 8
	OpInvalidSession      Op = 9
	OpHello               Op = 10
	OpHeartbeatAck        Op = 11
)

func (op Op) String() string {
	switch op {
	case OpDispatch:
		return "Dispatch"
	case OpHeartbeat:
		return "Heartbeat"
	case OpIdentify:
		return "Identify"
	case OpPresenceUpdate:
		return "PresenceUpdate"
	case OpVoiceStateUpdate:
		return "VoiceStateUpdate"
	case OpResume:
		return "Resume"
	case OpReconnect:
		return "Reconnect"
	case OpRequestGuildMembers:
		return "RequestGuildMembers"
	case OpInvalidSession:
		return "InvalidSession"
	case OpHello:
		return "Hello"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	}
	return "Unknown"
}

// Close codes
const (
	// CloseResumable is sent by the client when it intends to resume afterwards.
	CloseResumable = 4000

	closeAuthenticationFailed = 4004
	closeInvalidShard         = 4010
	closeShardingRequired     = 4011
	closeInvalidAPIVersion    = 4012
	closeInvalidIntents       = 4013
	closeDisallowedIntents    = 4014
)

// Gateway defaults
var (
	DefaultGatewayURL     string = "wss://gateway.discord.gg"
	DefaultAPIURL         string = "https://discord.com/api"
	DefaultGatewayVersion int    = 10
	DefaultLargeThreshold int    = 250

	identifyOS      string = runtime.GOOS
	identifyBrowser string = "tsukuyomi"
	identifyDevice  string = "tsukuyomi"

	reconnectBackoffMin time.Duration = time.Second
	reconnectBackoffMax time.Duration = 30 * time.Second

	closeWriteTimeout time.Duration = time.Second
	writeTimeout      time.Duration = 5 * time.Second
)

// Subscriber event names
const (
	EventNameSocketReceive = "socket_receive"
	EventNameHeartbeat     = "heartbeat"
	EventNameReady         = "ready"
	EventNameResumed       = "resumed"
	EventNameMessage       = "message"
	EventNameGuildRecv     = "guild_recv"
	EventNameGuildCreate   = "guild_create"
	EventNameGuildOutage   = "guild_outage"
	EventNameGuildRemove   = "guild_remove"
	EventNameChannelCreate = "channel_create"
	EventNameChannelUpdate = "channel_update"
	EventNameChannelDelete = "channel_delete"
)
