package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ShardState int32

const (
	StateDisconnected ShardState = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
	StateRefused
)

func (s ShardState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateRefused:
		return "refused"
	}
	return "unknown"
}

type identity struct {
	token    string
	intents  Intents
	presence *Presence
}

// Shard is one gateway connection serving the guilds whose id maps to ID.
type Shard struct {
	ID    int
	Count int

	config     ShardConfig
	dialer     *websocket.Dialer
	codec      *FrameCodec
	limiter    *RateLimiter
	dispatcher *Dispatcher
	heartbeat  *HeartbeatMonitor
	metrics    *Metrics
	logger     *zap.Logger

	socketConnection *websocket.Conn
	socketMutex      sync.Mutex
	reconnectMutex   sync.Mutex

	state          ShardState
	identity       identity
	sessionID      string
	resumeURL      string
	gatewayVersion int
	unavailable    map[Snowflake]struct{}
	invalidCount   int
	ready          chan struct{}

	sequence atomic.Int64
	resuming atomic.Bool
	closing  atomic.Bool
	closed   atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
	err    error

	sync.RWMutex
}

func NewShard(id, count int, opts ...ShardConfigOpt) (*Shard, error) {
	if count <= 0 || id < 0 || id >= count {
		return nil, fmt.Errorf("invalid shard [%d, %d]", id, count)
	}

	config := DefaultShardConfig()
	config.Apply(opts)

	codec, err := NewFrameCodec(config.Encoding, config.Compression)
	if err != nil {
		return nil, err
	}

	s := &Shard{
		ID:          id,
		Count:       count,
		config:      *config,
		dialer:      config.Dialer,
		codec:       codec,
		limiter:     config.RateLimiter,
		dispatcher:  config.Dispatcher,
		metrics:     config.Metrics,
		logger:      config.Logger.With(zap.Int("shard", id)),
		unavailable: make(map[Snowflake]struct{}),
		ready:       make(chan struct{}),
		identity:    identity{token: config.Token, intents: config.Intents, presence: config.Presence},
	}

	if s.dialer == nil {
		s.dialer = websocket.DefaultDialer
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(WithOnHold(config.Metrics.rateLimitHold))
	}
	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher(nil, nil, DispatcherConfig{Logger: config.Logger, Metrics: config.Metrics})
	}

	s.heartbeat = NewHeartbeatMonitor(s.sendHeartbeat, s.onZombie, s.logger)

	return s, nil
}

// Owns reports whether events for guildID are delivered to this shard.
func (s *Shard) Owns(guildID Snowflake) bool {
	return int((uint64(guildID)>>22)%uint64(s.Count)) == s.ID
}

// RatelimitKey is the bucket this shard's control frames count against.
func (s *Shard) RatelimitKey() int {
	return s.ID % s.Count
}

func (s *Shard) State() ShardState {
	s.RLock()
	defer s.RUnlock()
	return s.state
}

func (s *Shard) setState(state ShardState) {
	s.Lock()
	s.state = state
	s.Unlock()
}

func (s *Shard) SessionID() string {
	s.RLock()
	defer s.RUnlock()
	return s.sessionID
}

func (s *Shard) GatewayVersion() int {
	s.RLock()
	defer s.RUnlock()
	return s.gatewayVersion
}

// Sequence returns the last sequence number seen; ok is false when none has
// been seen since the last fresh connect.
func (s *Shard) Sequence() (seq int64, ok bool) {
	seq = s.sequence.Load()
	return seq, seq > 0
}

func (s *Shard) sequenceValue() *int64 {
	if seq, ok := s.Sequence(); ok {
		return &seq
	}
	return nil
}

// observeSequence keeps the sequence monotonically non-decreasing.
func (s *Shard) observeSequence(seq int64) {
	for {
		old := s.sequence.Load()
		if seq <= old {
			return
		}
		if s.sequence.CompareAndSwap(old, seq) {
			return
		}
	}
}

func (s *Shard) Resuming() bool { return s.resuming.Load() }

func (s *Shard) Latency() time.Duration { return s.heartbeat.Latency() }

func (s *Shard) Heartbeat() *HeartbeatMonitor { return s.heartbeat }

// Unavailable lists the guilds announced by READY that have not arrived yet.
func (s *Shard) Unavailable() []Snowflake {
	s.RLock()
	defer s.RUnlock()

	ids := make([]Snowflake, 0, len(s.unavailable))
	for id := range s.unavailable {
		ids = append(ids, id)
	}
	return ids
}

func (s *Shard) takeUnavailable(id Snowflake) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.unavailable[id]
	delete(s.unavailable, id)
	return ok
}

func (s *Shard) onReady(r Ready, unavailable []Snowflake) {
	s.Lock()
	s.sessionID = r.SessionID
	s.gatewayVersion = r.Version
	s.resumeURL = r.ResumeGatewayURL
	s.unavailable = make(map[Snowflake]struct{}, len(unavailable))
	for _, id := range unavailable {
		s.unavailable[id] = struct{}{}
	}
	s.state = StateReady
	s.invalidCount = 0
	s.markReady()
	s.Unlock()

	s.resuming.Store(false)
	s.logger.Info("shard is ready", zap.String("session", r.SessionID), zap.Int("guilds", len(unavailable)))
}

func (s *Shard) onResumed() {
	s.Lock()
	s.state = StateReady
	s.invalidCount = 0
	s.markReady()
	s.Unlock()

	s.resuming.Store(false)
	s.logger.Info("shard resumed", zap.Int64("seq", s.sequence.Load()))
}

// markReady closes the ready channel once. s must be locked.
func (s *Shard) markReady() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

// WaitUntilReady blocks until READY or RESUMED has been received.
func (s *Shard) WaitUntilReady(ctx context.Context) error {
	s.RLock()
	ready := s.ready
	s.RUnlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard) String() string {
	return fmt.Sprintf("Shard(id=%d, state=%s)", s.ID, s.State())
}

type ShardConfig struct {
	URL                   string
	Version               int
	Token                 string
	Intents               Intents
	Presence              *Presence
	LargeThreshold        int
	Encoding              Encoding
	Compression           Compression
	Voice                 bool
	InvalidSessionRetries int

	Dialer      *websocket.Dialer
	RateLimiter *RateLimiter
	Dispatcher  *Dispatcher
	Metrics     *Metrics
	Logger      *zap.Logger
}

func DefaultShardConfig() *ShardConfig {
	return &ShardConfig{
		URL:            DefaultGatewayURL,
		Version:        DefaultGatewayVersion,
		LargeThreshold: DefaultLargeThreshold,
		Encoding:       EncodingJSON,
		Compression:    CompressionZlib,
		Logger:         zap.NewNop(),
	}
}

type ShardConfigOpt func(config *ShardConfig)

func (c *ShardConfig) Apply(opts []ShardConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func WithGatewayURL(url string) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.URL = url
	}
}

func WithGatewayVersion(version int) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Version = version
	}
}

func WithToken(token string) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Token = token
	}
}

func WithIntents(intents Intents) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Intents = intents
	}
}

func WithPresence(presence *Presence) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Presence = presence
	}
}

func WithLargeThreshold(threshold int) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.LargeThreshold = threshold
	}
}

func WithEncoding(encoding Encoding) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Encoding = encoding
	}
}

func WithCompression(compression Compression) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Compression = compression
	}
}

// WithVoice enables voice state updates. Without it UpdateVoiceState fails
// with ErrVoiceUnavailable.
func WithVoice(enabled bool) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Voice = enabled
	}
}

// WithInvalidSessionRetries sets how many InvalidSession signals are answered
// with a delayed resume or identify before the shard gives up. Zero makes the
// first one fatal.
func WithInvalidSessionRetries(retries int) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.InvalidSessionRetries = retries
	}
}

func WithDialer(dialer *websocket.Dialer) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Dialer = dialer
	}
}

func WithRateLimiter(limiter *RateLimiter) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.RateLimiter = limiter
	}
}

func WithDispatcher(dispatcher *Dispatcher) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Dispatcher = dispatcher
	}
}

func WithMetrics(metrics *Metrics) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Metrics = metrics
	}
}

func WithLogger(logger *zap.Logger) ShardConfigOpt {
	return func(config *ShardConfig) {
		config.Logger = logger
	}
}
