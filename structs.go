package gateway

import (
	jsoniter "github.com/json-iterator/go"
)

// Envelope is one decoded frame.
type Envelope struct {
	Op       Op                  `json:"op"`
	Type     string              `json:"t"`
	Sequence *int64              `json:"s"`
	Data     jsoniter.RawMessage `json:"d"`
}

type outboundFrame struct {
	Op   Op  `json:"op"`
	Data any `json:"d"`
}

type helloOp struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type Identify struct {
	Token          string             `json:"token"`
	Intents        Intents            `json:"intents"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Shard          [2]int             `json:"shard"`
	Presence       *Presence          `json:"presence,omitempty"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  *int64 `json:"seq"`
}

type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

type Presence struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

type VoiceStateUpdate struct {
	GuildID   Snowflake  `json:"guild_id"`
	ChannelID *Snowflake `json:"channel_id"`
	SelfMute  bool       `json:"self_mute"`
	SelfDeaf  bool       `json:"self_deaf"`
}

type readyGuild struct {
	ID          Snowflake `json:"id"`
	Unavailable bool      `json:"unavailable"`
}

type Ready struct {
	Version          int                 `json:"v"`
	User             jsoniter.RawMessage `json:"user"`
	Guilds           []readyGuild        `json:"guilds"`
	SessionID        string              `json:"session_id"`
	ResumeGatewayURL string              `json:"resume_gateway_url"`
}

type guildDelete struct {
	ID          Snowflake `json:"id"`
	Unavailable *bool     `json:"unavailable"`
}

type idOnly struct {
	ID Snowflake `json:"id"`
}

// Intents is the bitset of event groups requested at identify.
type Intents int

const (
	IntentGuilds         Intents = 1 << 0
	IntentGuildMembers   Intents = 1 << 1
	IntentGuildMessages  Intents = 1 << 9
	IntentDirectMessages Intents = 1 << 12
	IntentMessageContent Intents = 1 << 15
)
