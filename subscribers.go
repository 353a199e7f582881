package gateway

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Payload is what subscribers receive.
type Payload struct {
	Name    string
	ShardID int
	Entity  Entity
	Latency time.Duration
	Frame   []byte
}

type Handler func(p *Payload) error

// Subscribers is a registry of event callbacks. Callbacks for one event run
// in registration order; a failing callback does not stop the ones after it.
type Subscribers struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

func NewSubscribers(logger *zap.Logger) *Subscribers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscribers{handlers: make(map[string][]Handler), logger: logger}
}

func (s *Subscribers) Subscribe(name string, handler Handler) {
	s.mu.Lock()
	s.handlers[name] = append(s.handlers[name], handler)
	s.mu.Unlock()
}

func (s *Subscribers) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[name]) > 0
}

// Emit runs every handler registered for p.Name and returns how many failed.
func (s *Subscribers) Emit(p *Payload) int {
	s.mu.RLock()
	handlers := s.handlers[p.Name]
	s.mu.RUnlock()

	failed := 0
	for _, handler := range handlers {
		if err := s.call(handler, p); err != nil {
			failed++
			s.logger.Warn("subscriber failed", zap.String("event", p.Name), zap.Int("shard", p.ShardID), zap.Error(err))
		}
	}
	return failed
}

func (s *Subscribers) call(handler Handler, p *Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(p)
}
