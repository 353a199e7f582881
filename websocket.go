package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// invalidSessionDelay is how long a shard waits before answering an
// InvalidSession it is allowed to retry.
var invalidSessionDelay = func() time.Duration {
	return time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
}

type frame struct {
	messageType int
	data        []byte
}

func (s *Shard) gatewayURL(resume bool) string {
	s.RLock()
	base := s.config.URL
	if resume && s.resumeURL != "" {
		base = s.resumeURL
	}
	s.RUnlock()

	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	} else if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return fmt.Sprintf("%s%sv=%d&encoding=%s", base, separator, s.config.Version, s.codec.Encoding())
}

func (s *Shard) conn() *websocket.Conn {
	s.RLock()
	defer s.RUnlock()
	return s.socketConnection
}

// Connect opens a fresh connection. Session id and sequence are cleared, so
// the next handshake must be an identify.
func (s *Shard) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrShardClosed
	}
	s.closing.Store(false)

	return s.connect(ctx)
}

// connect is Connect without clearing a pending Disconnect.
func (s *Shard) connect(ctx context.Context) error {
	s.Lock()
	if s.socketConnection != nil {
		s.Unlock()
		return ErrConnectionExists
	}

	s.sessionID = ""
	s.resumeURL = ""
	s.gatewayVersion = 0
	s.unavailable = make(map[Snowflake]struct{})
	select {
	case <-s.ready:
		s.ready = make(chan struct{})
	default:
	}
	s.Unlock()

	s.sequence.Store(0)
	s.resuming.Store(false)

	return s.dial(ctx, false)
}

func (s *Shard) dial(ctx context.Context, resume bool) error {
	if s.closed.Load() {
		return ErrShardClosed
	}
	s.setState(StateConnecting)

	gatewayURL := s.gatewayURL(resume)
	s.logger.Debug("attempting to create a connection", zap.String("url", gatewayURL))

	socketConnection, _, err := s.dialer.DialContext(ctx, gatewayURL, http.Header{})
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("shard %d: dial gateway: %w", s.ID, err)
	}

	s.Lock()
	if s.socketConnection != nil {
		s.Unlock()
		socketConnection.Close()
		return ErrConnectionExists
	}
	s.socketConnection = socketConnection
	s.state = StateAwaitingHello
	s.Unlock()

	s.logger.Info("shard has connected successfully")
	return nil
}

// ReceiveHello reads exactly one frame, which must be Hello, and starts
// heartbeating with the interval it carries.
func (s *Shard) ReceiveHello(ctx context.Context) error {
	socketConnection := s.conn()
	if socketConnection == nil {
		return ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = socketConnection.SetReadDeadline(deadline)
		defer func() { _ = socketConnection.SetReadDeadline(time.Time{}) }()
	}

	messageType, message, err := socketConnection.ReadMessage()
	if err != nil {
		return &GatewayError{Expected: OpHello, Closed: true, Err: err}
	}

	e, err := s.codec.Decode(messageType, message)
	if err != nil {
		return fmt.Errorf("shard %d: receive hello: %w", s.ID, err)
	}
	if e.Op != OpHello {
		return &GatewayError{Op: e.Op, Expected: OpHello}
	}

	var h helloOp
	if err := json.Unmarshal(e.Data, &h); err != nil {
		return fmt.Errorf("shard %d: decode hello: %w", s.ID, err)
	}
	if h.HeartbeatInterval <= 0 {
		return fmt.Errorf("shard %d: invalid heartbeat interval %d", s.ID, h.HeartbeatInterval)
	}

	interval := time.Duration(h.HeartbeatInterval) * time.Millisecond
	s.heartbeat.Start(interval)

	s.logger.Info("hello received, beginning heartbeats", zap.Duration("interval", interval))
	return nil
}

// SendIdentity starts a new session. The identity is kept for later
// re-identifies.
func (s *Shard) SendIdentity(ctx context.Context, token string, intents Intents, presence *Presence) error {
	s.Lock()
	s.identity = identity{token: token, intents: intents, presence: presence}
	s.Unlock()

	return s.identify(ctx)
}

// identify sends the stored identity.
func (s *Shard) identify(ctx context.Context) error {
	s.Lock()
	id := s.identity
	s.state = StateIdentifying
	s.Unlock()

	payload := Identify{
		Token:   id.token,
		Intents: id.intents,
		Properties: IdentifyProperties{
			OS:      identifyOS,
			Browser: identifyBrowser,
			Device:  identifyDevice,
		},
		Compress:       s.codec.Compression() != CompressionNone,
		LargeThreshold: s.config.LargeThreshold,
		Shard:          [2]int{s.ID, s.Count},
		Presence:       id.presence,
	}

	if err := s.Send(ctx, OpIdentify, payload); err != nil {
		return fmt.Errorf("shard %d: send identify: %w", s.ID, err)
	}

	s.logger.Info("sent identity packet")
	return nil
}

// Resume reattaches to the previous session. With restart the socket is
// closed and reopened first; session id and sequence survive.
func (s *Shard) Resume(ctx context.Context, restart bool) error {
	s.reconnectMutex.Lock()
	defer s.reconnectMutex.Unlock()

	return s.resume(ctx, restart)
}

func (s *Shard) resume(ctx context.Context, restart bool) error {
	s.RLock()
	sessionID, token := s.sessionID, s.identity.token
	s.RUnlock()

	if sessionID == "" {
		return fmt.Errorf("shard %d: no session to resume", s.ID)
	}

	if restart {
		s.closeSocket(CloseResumable)

		if err := s.dial(ctx, true); err != nil {
			return err
		}
		if err := s.ReceiveHello(ctx); err != nil {
			s.closeSocket(CloseResumable)
			return err
		}
	}

	s.setState(StateResuming)
	s.resuming.Store(true)

	err := s.Send(ctx, OpResume, Resume{Token: token, SessionID: sessionID, Sequence: s.sequenceValue()})
	if err != nil {
		return fmt.Errorf("shard %d: send resume: %w", s.ID, err)
	}

	s.logger.Info("sent resume packet", zap.Int64("seq", s.sequence.Load()))
	return nil
}

// ChangePresence updates the presence shown for this shard's session.
func (s *Shard) ChangePresence(ctx context.Context, presence *Presence) error {
	s.Lock()
	s.identity.presence = presence
	s.Unlock()

	s.logger.Debug("updating presence", zap.String("status", presence.Status))
	return s.Send(ctx, OpPresenceUpdate, presence)
}

// UpdateVoiceState joins, moves between or leaves voice channels.
func (s *Shard) UpdateVoiceState(ctx context.Context, state VoiceStateUpdate) error {
	if !s.config.Voice {
		return ErrVoiceUnavailable
	}
	return s.Send(ctx, OpVoiceStateUpdate, state)
}

// Send writes a control frame once the shard's rate limit bucket allows it.
func (s *Shard) Send(ctx context.Context, op Op, data any) error {
	if err := s.limiter.Wait(ctx, s.RatelimitKey()); err != nil {
		return err
	}

	return s.writeFrame(ctx, op, data)
}

// writeFrame is the single write path of the socket.
func (s *Shard) writeFrame(ctx context.Context, op Op, data any) error {
	messageType, payload, err := s.codec.Encode(op, data)
	if err != nil {
		return err
	}

	s.socketMutex.Lock()
	defer s.socketMutex.Unlock()

	socketConnection := s.conn()
	if socketConnection == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = socketConnection.SetWriteDeadline(deadline)

	return socketConnection.WriteMessage(messageType, payload)
}

func (s *Shard) sendHeartbeat(ctx context.Context) error {
	return s.writeFrame(ctx, OpHeartbeat, s.sequenceValue())
}

// onZombie drops the socket; the receive loop notices and resumes.
func (s *Shard) onZombie() {
	s.metrics.reconnect(s.ID, "zombie")
	s.closeSocket(CloseResumable)
}

func (s *Shard) closeSocket(code int) {
	s.Lock()
	socketConnection := s.socketConnection
	s.socketConnection = nil
	s.Unlock()

	if socketConnection == nil {
		return
	}

	s.socketMutex.Lock()
	err := socketConnection.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(closeWriteTimeout))
	s.socketMutex.Unlock()
	if err != nil {
		s.logger.Debug("failed to write close frame", zap.Error(err))
	}

	_ = socketConnection.Close()
}

// Listen starts the receive loop in its own goroutine. Every frame is decoded
// and dispatched in arrival order.
func (s *Shard) Listen(ctx context.Context) error {
	s.Lock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.Unlock()
			return fmt.Errorf("shard %d: already listening", s.ID)
		}
	}
	if s.socketConnection == nil {
		s.Unlock()
		return ErrNotConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	done := s.done
	s.Unlock()

	go s.listen(ctx, done)
	return nil
}

// Done is closed once the receive loop has exited.
func (s *Shard) Done() <-chan struct{} {
	s.RLock()
	defer s.RUnlock()
	return s.done
}

// Err is the reason the receive loop stopped; nil after Disconnect.
func (s *Shard) Err() error {
	s.RLock()
	defer s.RUnlock()
	return s.err
}

// Wait blocks until the receive loop has stopped and returns Err.
func (s *Shard) Wait(ctx context.Context) error {
	done := s.Done()
	if done == nil {
		return ErrNotConnected
	}

	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard) listen(ctx context.Context, done chan struct{}) {
	var err error

	defer func() {
		s.heartbeat.Stop()
		s.closeSocket(websocket.CloseNormalClosure)

		s.Lock()
		if s.state != StateRefused {
			s.state = StateDisconnected
		}
		s.err = err
		s.Unlock()

		if err != nil {
			s.logger.Error("shard stopped", zap.Error(err))
		}
		close(done)
	}()

	for {
		socketConnection := s.conn()

		f, ok, readErr := s.nextFrame(socketConnection)
		if !ok {
			if s.closing.Load() || ctx.Err() != nil {
				return
			}
			if err = s.reconnect(ctx, socketConnection, readErr); err != nil {
				if s.closing.Load() {
					err = nil
				}
				return
			}
			continue
		}

		if err = s.handleFrame(ctx, f); err != nil {
			if !errors.Is(err, errReconnectRequested) {
				return
			}

			s.logger.Info("gateway requested a reconnect")
			if err = s.reconnect(ctx, socketConnection, nil); err != nil {
				if s.closing.Load() {
					err = nil
				}
				return
			}
		}
	}
}

// nextFrame reads one frame. ok is false at the end of the stream, with err
// describing why the stream ended.
func (s *Shard) nextFrame(socketConnection *websocket.Conn) (f frame, ok bool, err error) {
	if socketConnection == nil {
		return f, false, ErrNotConnected
	}

	messageType, message, err := socketConnection.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return f, false, &ConnectionClosedError{ShardID: s.ID, Code: closeErr.Code, Text: closeErr.Text, Err: err}
		}
		return f, false, &ConnectionClosedError{ShardID: s.ID, Err: err}
	}

	return frame{messageType: messageType, data: message}, true, nil
}

func (s *Shard) handleFrame(ctx context.Context, f frame) error {
	if s.dispatcher.subscribers.Has(EventNameSocketReceive) {
		s.dispatcher.emit(&Payload{Name: EventNameSocketReceive, ShardID: s.ID, Frame: f.data})
	}

	e, err := s.codec.Decode(f.messageType, f.data)
	if err != nil {
		s.metrics.decodeError(s.ID)
		s.logger.Warn("discarding frame", zap.Error(err))
		return nil
	}

	err = s.dispatcher.Dispatch(ctx, s, e)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrConnectionRefused):
		return s.invalidSession(ctx, err)

	case errors.Is(err, errReconnectRequested):
		return err
	}

	s.logger.Warn("failed to handle frame", zap.Int("op", int(e.Op)), zap.String("event", e.Type), zap.Error(err))
	return nil
}

// invalidSession answers an InvalidSession signal. Unless retries were
// configured the shard is refused and the error is returned as is.
func (s *Shard) invalidSession(ctx context.Context, cause error) error {
	var refused *ConnectionRefusedError
	errors.As(cause, &refused)

	s.Lock()
	if s.invalidCount >= s.config.InvalidSessionRetries {
		s.state = StateRefused
		s.Unlock()
		s.resuming.Store(false)
		return cause
	}
	s.invalidCount++
	attempt := s.invalidCount
	canResume := refused != nil && refused.Resumable && s.sessionID != ""
	s.Unlock()

	delay := invalidSessionDelay()
	s.logger.Warn("invalid session, retrying", zap.Int("attempt", attempt), zap.Bool("resume", canResume), zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	var err error
	if canResume {
		err = s.resume(ctx, false)
	} else {
		s.Lock()
		s.sessionID = ""
		s.resumeURL = ""
		s.Unlock()
		s.sequence.Store(0)
		s.resuming.Store(false)

		err = s.identify(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errReconnectRequested, err)
	}
	return nil
}

// reconnect replaces a connection that ended without being asked to. It
// resumes when a session exists and identifies otherwise, backing off between
// attempts.
func (s *Shard) reconnect(ctx context.Context, stale *websocket.Conn, cause error) error {
	s.reconnectMutex.Lock()
	defer s.reconnectMutex.Unlock()

	if current := s.conn(); current != nil && current != stale {
		return nil
	}

	var closed *ConnectionClosedError
	if errors.As(cause, &closed) && closed.Fatal() {
		return closed
	}

	if cause != nil {
		s.logger.Warn("connection lost", zap.Error(cause))
	}
	s.setState(StateReconnecting)

	backoff := reconnectBackoffMin

	for {
		if s.closing.Load() {
			return nil
		}

		var err error
		if s.SessionID() != "" {
			s.metrics.reconnect(s.ID, "resume")
			err = s.resume(ctx, true)
		} else {
			s.metrics.reconnect(s.ID, "identify")
			err = s.reidentify(ctx)
		}
		if err == nil {
			return nil
		}

		s.logger.Warn("reconnect failed", zap.Duration("wait", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff < reconnectBackoffMax {
			backoff *= 2
			if backoff > reconnectBackoffMax {
				backoff = reconnectBackoffMax
			}
		}
	}
}

func (s *Shard) reidentify(ctx context.Context) error {
	s.closeSocket(websocket.CloseNormalClosure)

	if err := s.connect(ctx); err != nil {
		return err
	}
	if err := s.ReceiveHello(ctx); err != nil {
		s.closeSocket(websocket.CloseNormalClosure)
		return err
	}
	return s.identify(ctx)
}

// Start connects, identifies and starts listening, retrying the connection
// with backoff until it succeeds or ctx is done.
func (s *Shard) Start(ctx context.Context) error {
	backoff := reconnectBackoffMin

	for {
		err := s.Connect(ctx)
		if err == nil {
			if err = s.ReceiveHello(ctx); err != nil {
				s.closeSocket(websocket.CloseNormalClosure)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, ErrConnectionExists) || errors.Is(err, ErrShardClosed) {
			return err
		}

		s.logger.Warn("failed to connect", zap.Duration("wait", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if backoff *= 2; backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}

	if err := s.identify(ctx); err != nil {
		_ = s.Disconnect(context.Background())
		return err
	}

	return s.Listen(ctx)
}

// Disconnect stops heartbeating, closes the socket with a resumable close code
// and stops the receive loop. It is safe to call more than once and from any
// state.
func (s *Shard) Disconnect(ctx context.Context) error {
	s.logger.Info("disconnecting from shard")

	s.closing.Store(true)
	s.heartbeat.Stop()
	s.closeSocket(CloseResumable)

	s.Lock()
	cancel, done := s.cancel, s.done
	s.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.Lock()
	if s.state != StateRefused {
		s.state = StateDisconnected
	}
	s.Unlock()

	return nil
}

// Close disconnects the shard and releases its codec. A closed shard cannot
// be connected again.
func (s *Shard) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	err := s.Disconnect(ctx)
	s.codec.Close()
	return err
}
