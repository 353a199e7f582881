package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultIdentifyDelay = 500 * time.Millisecond

type ManagerConfig struct {
	Token   string
	Intents Intents
	// Shards is the number of shards to run. Zero asks the gateway for its
	// recommendation.
	Shards int

	GatewayURL            string
	APIURL                string
	Version               int
	Encoding              Encoding
	Compression           Compression
	LargeThreshold        int
	Presence              *Presence
	Voice                 bool
	InvalidSessionRetries int

	RateLimit       int
	RateLimitWindow time.Duration
	// IdentifyDelay separates the start of consecutive shards.
	IdentifyDelay time.Duration

	Hydrator   Hydrator
	Conn       any
	HTTPClient *fasthttp.Client
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		APIURL:          DefaultAPIURL,
		Version:         DefaultGatewayVersion,
		Encoding:        EncodingJSON,
		Compression:     CompressionZlib,
		LargeThreshold:  DefaultLargeThreshold,
		RateLimit:       DefaultRateLimiterConfig().Limit,
		RateLimitWindow: DefaultRateLimiterConfig().Window,
		IdentifyDelay:   defaultIdentifyDelay,
	}
}

// Manager runs every shard of one client. The shards share a cache, a
// dispatcher and a rate limiter.
type Manager struct {
	config     ManagerConfig
	cache      *CacheStore
	dispatcher *Dispatcher
	limiter    *RateLimiter
	metrics    *Metrics
	logger     *zap.Logger

	mu     sync.RWMutex
	shards []*Shard
}

func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Token == "" {
		return nil, errors.New("token is required")
	}
	if config.Shards < 0 {
		return nil, fmt.Errorf("invalid shard count %d", config.Shards)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Version == 0 {
		config.Version = DefaultGatewayVersion
	}
	if config.IdentifyDelay <= 0 {
		config.IdentifyDelay = defaultIdentifyDelay
	}

	metrics := NewMetrics(config.Registerer, "")
	cache := NewCacheStore()

	limiterOpts := []RateLimiterConfigOpt{WithOnHold(metrics.rateLimitHold)}
	if config.RateLimit > 0 {
		limiterOpts = append(limiterOpts, WithLimit(config.RateLimit))
	}
	if config.RateLimitWindow > 0 {
		limiterOpts = append(limiterOpts, WithWindow(config.RateLimitWindow))
	}

	return &Manager{
		config: config,
		cache:  cache,
		dispatcher: NewDispatcher(cache, NewSubscribers(config.Logger), DispatcherConfig{
			Hydrator: config.Hydrator,
			Conn:     config.Conn,
			Logger:   config.Logger,
			Metrics:  metrics,
			Tracer:   config.Tracer,
		}),
		limiter: NewRateLimiter(limiterOpts...),
		metrics: metrics,
		logger:  config.Logger,
	}, nil
}

func (m *Manager) Cache() *CacheStore { return m.cache }

// Subscribe registers handler for a subscriber event on every shard.
func (m *Manager) Subscribe(name string, handler Handler) {
	m.dispatcher.Subscribe(name, handler)
}

// Start creates the shards and starts them one after another, IdentifyDelay
// apart. Shards that fail to start are reported in the returned error; the
// others keep running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if len(m.shards) > 0 {
		m.mu.Unlock()
		return ErrConnectionExists
	}
	m.mu.Unlock()

	count, gatewayURL := m.config.Shards, m.config.GatewayURL
	if count == 0 {
		gateway, err := FetchGateway(ctx, m.config.HTTPClient, m.config.APIURL, m.config.Version, m.config.Token)
		if err != nil {
			return err
		}

		count = max(gateway.Shards, 1)
		if gatewayURL == "" {
			gatewayURL = gateway.URL
		}

		m.logger.Info("fetched gateway",
			zap.String("url", gateway.URL),
			zap.Int("shards", gateway.Shards),
			zap.Int("remaining_sessions", gateway.SessionStartLimit.Remaining))
	}
	if gatewayURL == "" {
		gatewayURL = DefaultGatewayURL
	}

	m.mu.Lock()
	if len(m.shards) > 0 {
		m.mu.Unlock()
		return ErrConnectionExists
	}

	shards := make([]*Shard, 0, count)
	for id := 0; id < count; id++ {
		shard, err := NewShard(id, count,
			WithGatewayURL(gatewayURL),
			WithGatewayVersion(m.config.Version),
			WithToken(m.config.Token),
			WithIntents(m.config.Intents),
			WithPresence(m.config.Presence),
			WithLargeThreshold(m.config.LargeThreshold),
			WithEncoding(m.config.Encoding),
			WithCompression(m.config.Compression),
			WithVoice(m.config.Voice),
			WithInvalidSessionRetries(m.config.InvalidSessionRetries),
			WithRateLimiter(m.limiter),
			WithDispatcher(m.dispatcher),
			WithMetrics(m.metrics),
			WithLogger(m.logger),
		)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		shards = append(shards, shard)
	}

	// published under the lock ChangePresence holds
	m.shards = shards
	m.mu.Unlock()

	var errs []error
	for i, shard := range shards {
		if i > 0 {
			timer := time.NewTimer(m.config.IdentifyDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(append(errs, ctx.Err())...)
			case <-timer.C:
			}
		}

		if err := shard.Start(ctx); err != nil {
			m.logger.Error("failed to start shard", zap.Int("shard", shard.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("shard %d: %w", shard.ID, err))
		}
	}

	m.logger.Info("started shards", zap.Int("count", count), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (m *Manager) Shards() []*Shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Shard(nil), m.shards...)
}

// ShardFor returns the shard that receives events for guildID.
func (m *Manager) ShardFor(guildID Snowflake) (*Shard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.shards) == 0 {
		return nil, false
	}
	return m.shards[guildID.ShardID(len(m.shards))], true
}

// ChangePresence pushes presence to every connected shard.
func (m *Manager) ChangePresence(ctx context.Context, presence *Presence) error {
	m.mu.Lock()
	m.config.Presence = presence
	shards := append([]*Shard(nil), m.shards...)
	m.mu.Unlock()

	var errs []error
	for _, shard := range shards {
		if err := shard.ChangePresence(ctx, presence); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, fmt.Errorf("shard %d: %w", shard.ID, err))
		}
	}
	return errors.Join(errs...)
}

type ShardStatus struct {
	ID          int    `json:"id"`
	State       string `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	Sequence    int64  `json:"seq"`
	LatencyMS   int64  `json:"latency_ms"`
	Unavailable int    `json:"unavailable_guilds"`
}

func (m *Manager) Status() []ShardStatus {
	shards := m.Shards()
	statuses := make([]ShardStatus, 0, len(shards))

	for _, shard := range shards {
		seq, _ := shard.Sequence()
		statuses = append(statuses, ShardStatus{
			ID:          shard.ID,
			State:       shard.State().String(),
			SessionID:   shard.SessionID(),
			Sequence:    seq,
			LatencyMS:   shard.Latency().Milliseconds(),
			Unavailable: len(shard.Unavailable()),
		})
	}
	return statuses
}

// Wait blocks until every shard's receive loop has stopped.
func (m *Manager) Wait(ctx context.Context) error {
	var errs []error
	for _, shard := range m.Shards() {
		if err := shard.Wait(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			errs = append(errs, fmt.Errorf("shard %d: %w", shard.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every shard.
func (m *Manager) Close(ctx context.Context) error {
	shards := m.Shards()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, shard := range shards {
		wg.Add(1)
		go func(shard *Shard) {
			defer wg.Done()
			if err := shard.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shard %d: %w", shard.ID, err))
				mu.Unlock()
			}
		}(shard)
	}
	wg.Wait()

	m.logger.Info("closed shards", zap.Int("count", len(shards)))
	return errors.Join(errs...)
}
