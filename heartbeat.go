package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HeartbeatState int

const (
	HeartbeatIdle HeartbeatState = iota
	HeartbeatRunning
	HeartbeatAwaitingAck
	HeartbeatZombie
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatIdle:
		return "idle"
	case HeartbeatRunning:
		return "running"
	case HeartbeatAwaitingAck:
		return "awaiting_ack"
	case HeartbeatZombie:
		return "zombie"
	}
	return "unknown"
}

// HeartbeatMonitor keeps one session alive. It sends a heartbeat every
// interval and declares the connection a zombie when the previous heartbeat
// was never acknowledged.
type HeartbeatMonitor struct {
	mu       sync.Mutex
	state    HeartbeatState
	interval time.Duration
	lastSent time.Time
	lastAck  time.Time
	latency  time.Duration

	stop chan struct{}
	done chan struct{}

	send     func(ctx context.Context) error
	onZombie func()
	logger   *zap.Logger
}

// NewHeartbeatMonitor builds an idle monitor. send writes one heartbeat frame
// carrying the current sequence; onZombie is called once, from the monitor's
// goroutine, when an acknowledgement is missed.
func NewHeartbeatMonitor(send func(ctx context.Context) error, onZombie func(), logger *zap.Logger) *HeartbeatMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatMonitor{send: send, onZombie: onZombie, logger: logger}
}

// Start schedules heartbeats every interval. A running schedule is replaced.
func (h *HeartbeatMonitor) Start(interval time.Duration) {
	h.Stop()

	h.mu.Lock()
	h.interval = interval
	h.state = HeartbeatRunning
	h.lastAck = time.Now()
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	stop, done := h.stop, h.done
	h.mu.Unlock()

	go h.run(interval, stop, done)
}

func (h *HeartbeatMonitor) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	heartbeatTicker := time.NewTicker(interval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-heartbeatTicker.C:
			h.mu.Lock()
			zombie := h.state == HeartbeatAwaitingAck
			if zombie {
				h.state = HeartbeatZombie
			}
			h.mu.Unlock()

			if zombie {
				h.logger.Warn("heartbeat not acknowledged, connection is a zombie", zap.Duration("interval", interval))
				if h.onZombie != nil {
					h.onZombie()
				}
				return
			}

			if err := h.Beat(); err != nil {
				h.logger.Warn("failed to send heartbeat", zap.Error(err))
			}
		}
	}
}

// Beat sends one heartbeat now. It is also used to answer a server request.
func (h *HeartbeatMonitor) Beat() error {
	h.mu.Lock()
	interval := h.interval
	h.mu.Unlock()

	if interval <= 0 {
		interval = writeTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	// marked before the write so an ack racing the write is not lost; a beat
	// that fails to send stays unacknowledged
	h.mu.Lock()
	h.lastSent = time.Now()
	if h.state == HeartbeatRunning {
		h.state = HeartbeatAwaitingAck
	}
	h.mu.Unlock()

	return h.send(ctx)
}

// OnAck records an acknowledgement and the round trip since the last beat.
func (h *HeartbeatMonitor) OnAck() time.Duration {
	h.mu.Lock()
	now := time.Now()
	h.lastAck = now
	if h.state == HeartbeatAwaitingAck {
		h.state = HeartbeatRunning
	}
	if !h.lastSent.IsZero() {
		h.latency = now.Sub(h.lastSent)
	}
	latency := h.latency
	h.mu.Unlock()

	return latency
}

// Stop cancels the schedule. It is idempotent and may be called from any
// goroutine except the onZombie callback.
func (h *HeartbeatMonitor) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	if h.state != HeartbeatZombie {
		h.state = HeartbeatIdle
	}
	h.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (h *HeartbeatMonitor) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HeartbeatMonitor) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

func (h *HeartbeatMonitor) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latency
}

func (h *HeartbeatMonitor) LastAck() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAck
}
