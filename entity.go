package gateway

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

type EntityKind int

const (
	KindUser EntityKind = iota
	KindGuild
	KindChannel
	KindMessage
)

func (k EntityKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGuild:
		return "guild"
	case KindChannel:
		return "channel"
	case KindMessage:
		return "message"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Entity is a typed model object built from raw event data.
type Entity interface {
	EntityID() Snowflake
}

// LastMessageSetter is implemented by channels that track their newest message.
type LastMessageSetter interface {
	SetLastMessageID(id Snowflake) error
}

// Hydrator builds entities from raw data. conn is handed through untouched so
// entities can make further REST calls.
type Hydrator interface {
	Hydrate(conn any, kind EntityKind, raw jsoniter.RawMessage) (Entity, error)
}

type HydratorFunc func(conn any, kind EntityKind, raw jsoniter.RawMessage) (Entity, error)

func (f HydratorFunc) Hydrate(conn any, kind EntityKind, raw jsoniter.RawMessage) (Entity, error) {
	return f(conn, kind, raw)
}

// RawEntity is the entity produced by RawHydrator. It keeps the raw payload so
// callers can decode whatever fields they need.
type RawEntity struct {
	Kind    EntityKind
	ID      Snowflake
	Channel Snowflake
	Guild   Snowflake
	Raw     jsoniter.RawMessage
	Conn    any

	mu            sync.Mutex
	lastMessageID Snowflake
}

func (e *RawEntity) EntityID() Snowflake  { return e.ID }
func (e *RawEntity) ChannelID() Snowflake { return e.Channel }

func (e *RawEntity) SetLastMessageID(id Snowflake) error {
	if e.Kind != KindChannel {
		return fmt.Errorf("%s %s has no last message", e.Kind, e.ID)
	}
	e.mu.Lock()
	e.lastMessageID = id
	e.mu.Unlock()
	return nil
}

func (e *RawEntity) LastMessageID() Snowflake {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastMessageID
}

type rawEntityFields struct {
	ID            Snowflake `json:"id"`
	ChannelID     Snowflake `json:"channel_id"`
	GuildID       Snowflake `json:"guild_id"`
	LastMessageID Snowflake `json:"last_message_id"`
}

// RawHydrator is used when no model layer is plugged in.
var RawHydrator Hydrator = HydratorFunc(func(conn any, kind EntityKind, raw jsoniter.RawMessage) (Entity, error) {
	var fields rawEntityFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("hydrate %s: %w", kind, err)
	}
	if fields.ID == 0 {
		return nil, fmt.Errorf("hydrate %s: missing id", kind)
	}
	return &RawEntity{
		Kind:          kind,
		ID:            fields.ID,
		Channel:       fields.ChannelID,
		Guild:         fields.GuildID,
		Raw:           append(jsoniter.RawMessage(nil), raw...),
		Conn:          conn,
		lastMessageID: fields.LastMessageID,
	}, nil
})
