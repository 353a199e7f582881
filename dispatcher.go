package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventType is the closed set of dispatch events the dispatcher understands.
type EventType int

const (
	EventUnknown EventType = iota
	EventReady
	EventResumed
	EventMessageCreate
	EventGuildCreate
	EventGuildDelete
	EventChannelCreate
	EventChannelUpdate
	EventChannelDelete
)

var eventTypes = map[string]EventType{
	"READY":          EventReady,
	"RESUMED":        EventResumed,
	"MESSAGE_CREATE": EventMessageCreate,
	"GUILD_CREATE":   EventGuildCreate,
	"GUILD_DELETE":   EventGuildDelete,
	"CHANNEL_CREATE": EventChannelCreate,
	"CHANNEL_UPDATE": EventChannelUpdate,
	"CHANNEL_DELETE": EventChannelDelete,
}

func ParseEventType(name string) EventType {
	return eventTypes[name]
}

// errReconnectRequested is returned when the gateway asks the client to
// reconnect and resume.
var errReconnectRequested = errors.New("gateway requested a reconnect")

type DispatcherConfig struct {
	Hydrator Hydrator
	// Conn is handed to the hydrator untouched.
	Conn    any
	Logger  *zap.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Dispatcher applies decoded envelopes to the cache and notifies subscribers.
// One dispatcher serves every shard of a client.
type Dispatcher struct {
	cache       *CacheStore
	subscribers *Subscribers
	hydrator    Hydrator
	conn        any
	logger      *zap.Logger
	metrics     *Metrics
	tracer      trace.Tracer
}

func NewDispatcher(cache *CacheStore, subscribers *Subscribers, config DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		cache:       cache,
		subscribers: subscribers,
		hydrator:    config.Hydrator,
		conn:        config.Conn,
		logger:      config.Logger,
		metrics:     config.Metrics,
		tracer:      config.Tracer,
	}

	if d.cache == nil {
		d.cache = NewCacheStore()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.subscribers == nil {
		d.subscribers = NewSubscribers(d.logger)
	}
	if d.hydrator == nil {
		d.hydrator = RawHydrator
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("tsukuyomi/gateway")
	}

	return d
}

func (d *Dispatcher) Cache() *CacheStore        { return d.cache }
func (d *Dispatcher) Subscribers() *Subscribers { return d.subscribers }

func (d *Dispatcher) Subscribe(name string, handler Handler) {
	d.subscribers.Subscribe(name, handler)
}

// Dispatch handles one envelope received by shard. Errors other than
// *ConnectionRefusedError and reconnect requests are not fatal to the shard.
func (d *Dispatcher) Dispatch(ctx context.Context, shard *Shard, e *Envelope) error {
	d.metrics.frameReceived(shard.ID, e.Op)

	if e.Sequence != nil {
		shard.observeSequence(*e.Sequence)
	}

	switch e.Op {
	case OpDispatch:
		return d.dispatchEvent(ctx, shard, e)

	case OpHeartbeatAck:
		latency := shard.heartbeat.OnAck()
		d.metrics.heartbeatAck(shard.ID, latency)
		d.emit(&Payload{Name: EventNameHeartbeat, ShardID: shard.ID, Latency: latency})

	case OpHeartbeat:
		if err := shard.heartbeat.Beat(); err != nil {
			return fmt.Errorf("answer heartbeat request: %w", err)
		}

	case OpReconnect:
		return errReconnectRequested

	case OpInvalidSession:
		var resumable bool
		if len(e.Data) > 0 {
			_ = json.Unmarshal(e.Data, &resumable)
		}
		return &ConnectionRefusedError{ShardID: shard.ID, Resumable: resumable}

	default:
		d.logger.Debug("ignoring opcode", zap.Int("shard", shard.ID), zap.Int("op", int(e.Op)))
	}

	return nil
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, shard *Shard, e *Envelope) error {
	_, span := d.tracer.Start(ctx, "gateway.dispatch", trace.WithAttributes(
		attribute.Int("gateway.shard", shard.ID),
		attribute.String("gateway.event", e.Type),
	))
	defer span.End()

	err := d.handleEvent(shard, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Dispatcher) handleEvent(shard *Shard, e *Envelope) error {
	event := ParseEventType(e.Type)
	if event != EventUnknown {
		d.metrics.eventDispatched(e.Type)
	}

	switch event {
	case EventReady:
		var r Ready
		if err := json.Unmarshal(e.Data, &r); err != nil {
			return fmt.Errorf("decode READY: %w", err)
		}

		user, err := d.hydrator.Hydrate(d.conn, KindUser, r.User)
		if err != nil {
			return err
		}
		d.cache.Users.Put(user.EntityID(), user)

		unavailable := make([]Snowflake, 0, len(r.Guilds))
		for _, g := range r.Guilds {
			unavailable = append(unavailable, g.ID)
		}
		shard.onReady(r, unavailable)

		d.emit(&Payload{Name: EventNameReady, ShardID: shard.ID, Entity: user})

	case EventResumed:
		shard.onResumed()
		d.emit(&Payload{Name: EventNameResumed, ShardID: shard.ID})

	case EventMessageCreate:
		message, err := d.hydrator.Hydrate(d.conn, KindMessage, e.Data)
		if err != nil {
			return err
		}

		var fields rawEntityFields
		if err := json.Unmarshal(e.Data, &fields); err != nil {
			return fmt.Errorf("decode MESSAGE_CREATE: %w", err)
		}

		if channel, ok := d.cache.Channels.Get(fields.ChannelID); ok {
			if setter, ok := channel.(LastMessageSetter); ok {
				_ = setter.SetLastMessageID(message.EntityID())
			}
		}

		d.cache.Messages.Put(MessageKey{ChannelID: fields.ChannelID, MessageID: message.EntityID()}, message)
		d.emit(&Payload{Name: EventNameMessage, ShardID: shard.ID, Entity: message})

	case EventGuildCreate:
		guild, err := d.hydrator.Hydrate(d.conn, KindGuild, e.Data)
		if err != nil {
			return err
		}

		name := EventNameGuildCreate
		if shard.takeUnavailable(guild.EntityID()) {
			name = EventNameGuildRecv
		}

		d.cache.Guilds.Put(guild.EntityID(), guild)
		d.emit(&Payload{Name: name, ShardID: shard.ID, Entity: guild})

	case EventGuildDelete:
		var gd guildDelete
		if err := json.Unmarshal(e.Data, &gd); err != nil {
			return fmt.Errorf("decode GUILD_DELETE: %w", err)
		}

		if gd.Unavailable != nil {
			guild, err := d.hydrator.Hydrate(d.conn, KindGuild, e.Data)
			if err != nil {
				return err
			}
			d.cache.Guilds.Put(guild.EntityID(), guild)
			shard.takeUnavailable(guild.EntityID())
			d.emit(&Payload{Name: EventNameGuildOutage, ShardID: shard.ID, Entity: guild})
			return nil
		}

		guild, ok := d.cache.Guilds.Evict(gd.ID)
		if !ok {
			return &CacheMissError{Kind: KindGuild, ID: gd.ID}
		}
		d.emit(&Payload{Name: EventNameGuildRemove, ShardID: shard.ID, Entity: guild})

	case EventChannelCreate, EventChannelUpdate:
		channel, err := d.hydrator.Hydrate(d.conn, KindChannel, e.Data)
		if err != nil {
			return err
		}
		d.cache.Channels.Put(channel.EntityID(), channel)

		name := EventNameChannelCreate
		if event == EventChannelUpdate {
			name = EventNameChannelUpdate
		}
		d.emit(&Payload{Name: name, ShardID: shard.ID, Entity: channel})

	case EventChannelDelete:
		var o idOnly
		if err := json.Unmarshal(e.Data, &o); err != nil {
			return fmt.Errorf("decode CHANNEL_DELETE: %w", err)
		}

		channel, ok := d.cache.Channels.Evict(o.ID)
		if !ok {
			return &CacheMissError{Kind: KindChannel, ID: o.ID}
		}
		d.emit(&Payload{Name: EventNameChannelDelete, ShardID: shard.ID, Entity: channel})

	case EventUnknown:
		d.logger.Debug("ignoring event", zap.Int("shard", shard.ID), zap.String("event", e.Type))
	}

	return nil
}

func (d *Dispatcher) emit(p *Payload) {
	d.subscribers.Emit(p)
}
