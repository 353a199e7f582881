package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type fakeGateway struct {
	server *httptest.Server
	conns  chan *gatewayConn
}

// newFakeGateway starts a websocket server. Accepted connections are handed
// to script when it is set, otherwise they are queued for accept.
func newFakeGateway(t *testing.T, script func(c *gatewayConn)) *fakeGateway {
	t.Helper()

	gw := &fakeGateway{conns: make(chan *gatewayConn, 8)}
	upgrader := websocket.Upgrader{}

	gw.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := &gatewayConn{conn: conn, query: r.URL.Query()}
		if script != nil {
			go script(c)
			return
		}
		gw.conns <- c
	}))
	t.Cleanup(gw.server.Close)

	return gw
}

func (gw *fakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(gw.server.URL, "http")
}

func (gw *fakeGateway) accept(t *testing.T) *gatewayConn {
	t.Helper()

	select {
	case c := <-gw.conns:
		t.Cleanup(func() { c.conn.Close() })
		return c
	case <-time.After(testTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

type gatewayConn struct {
	conn  *websocket.Conn
	query url.Values
	mu    sync.Mutex
}

func (c *gatewayConn) send(op Op, event string, seq int64, data string) error {
	t, s := "null", "null"
	if event != "" {
		t = `"` + event + `"`
	}
	if seq > 0 {
		s = fmt.Sprint(seq)
	}
	if data == "" {
		data = "null"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"op":%d,"t":%s,"s":%s,"d":%s}`, op, t, s, data)))
}

func (c *gatewayConn) raw(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *gatewayConn) hello(interval time.Duration) error {
	return c.send(OpHello, "", 0, fmt.Sprintf(`{"heartbeat_interval":%d}`, interval.Milliseconds()))
}

func (c *gatewayConn) closeWith(code int) {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	c.conn.Close()
}

func (c *gatewayConn) receive(timeout time.Duration) (Op, jsoniter.RawMessage, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = c.conn.SetReadDeadline(deadline)

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}

	var f struct {
		Op   Op                  `json:"op"`
		Data jsoniter.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(message, &f); err != nil {
		return 0, nil, err
	}
	return f.Op, f.Data, nil
}

// expect reads frames until one with op arrives. Heartbeats are skipped unless
// they are what is expected.
func (c *gatewayConn) expect(t *testing.T, op Op) jsoniter.RawMessage {
	t.Helper()

	for {
		got, data, err := c.receive(testTimeout)
		require.NoError(t, err)

		if got == op {
			return data
		}
		require.Equal(t, OpHeartbeat, got, "unexpected opcode while waiting for %s", op)
	}
}

// expectClose reads until the client's close frame and returns its code.
func (c *gatewayConn) expectClose(t *testing.T) int {
	t.Helper()

	for {
		_, _, err := c.receive(testTimeout)
		if err == nil {
			continue
		}

		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr.Code
	}
}

func readyFor(gw *fakeGateway, guilds ...string) string {
	entries := make([]string, 0, len(guilds))
	for _, id := range guilds {
		entries = append(entries, fmt.Sprintf(`{"id":%q,"unavailable":true}`, id))
	}
	return fmt.Sprintf(`{"v":10,"user":{"id":"7"},"guilds":[%s],"session_id":"abc","resume_gateway_url":%q}`,
		strings.Join(entries, ","), gw.URL())
}

func newTestShard(t *testing.T, gw *fakeGateway, opts ...ShardConfigOpt) *Shard {
	t.Helper()

	opts = append([]ShardConfigOpt{
		WithGatewayURL(gw.URL()),
		WithToken("token"),
		WithIntents(IntentGuilds),
		WithCompression(CompressionNone),
	}, opts...)

	shard, err := NewShard(0, 1, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = shard.Close(ctx)
	})
	return shard
}

func waitReady(t *testing.T, shard *Shard) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, shard.WaitUntilReady(ctx))
}

// handshake connects shard, identifies and delivers READY.
func handshake(t *testing.T, gw *fakeGateway, shard *Shard, interval time.Duration) *gatewayConn {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, shard.Connect(ctx))
	c := gw.accept(t)

	require.NoError(t, c.hello(interval))
	require.NoError(t, shard.ReceiveHello(ctx))
	require.NoError(t, shard.SendIdentity(ctx, "token", IntentGuilds, nil))
	c.expect(t, OpIdentify)

	require.NoError(t, shard.Listen(ctx))
	require.NoError(t, c.send(OpDispatch, "READY", 1, readyFor(gw)))
	waitReady(t, shard)

	return c
}

func TestShardHandshake(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)
	ctx := context.Background()

	require.NoError(t, shard.Connect(ctx))
	assert.ErrorIs(t, shard.Connect(ctx), ErrConnectionExists)
	assert.Equal(t, StateAwaitingHello, shard.State())

	c := gw.accept(t)
	assert.Equal(t, "10", c.query.Get("v"))
	assert.Equal(t, "json", c.query.Get("encoding"))

	require.NoError(t, c.hello(45*time.Second))
	require.NoError(t, shard.ReceiveHello(ctx))
	assert.Equal(t, 45*time.Second, shard.Heartbeat().Interval())
	assert.Equal(t, HeartbeatRunning, shard.Heartbeat().State())

	require.NoError(t, shard.SendIdentity(ctx, "token", IntentGuilds|IntentGuildMessages, nil))
	assert.Equal(t, StateIdentifying, shard.State())

	var identify Identify
	require.NoError(t, json.Unmarshal(c.expect(t, OpIdentify), &identify))
	assert.Equal(t, "token", identify.Token)
	assert.Equal(t, IntentGuilds|IntentGuildMessages, identify.Intents)
	assert.Equal(t, [2]int{0, 1}, identify.Shard)
	assert.Equal(t, 250, identify.LargeThreshold)
	assert.False(t, identify.Compress)
	assert.Equal(t, "tsukuyomi", identify.Properties.Browser)
	assert.Nil(t, identify.Presence)

	require.NoError(t, shard.Listen(ctx))
	require.NoError(t, c.send(OpDispatch, "READY", 1, readyFor(gw, "1", "2")))
	waitReady(t, shard)

	assert.Equal(t, StateReady, shard.State())
	assert.Equal(t, "abc", shard.SessionID())
	assert.ElementsMatch(t, []Snowflake{1, 2}, shard.Unavailable())

	require.NoError(t, shard.Disconnect(ctx))
	assert.Equal(t, CloseResumable, c.expectClose(t))
	assert.Equal(t, StateDisconnected, shard.State())
	assert.Equal(t, HeartbeatIdle, shard.Heartbeat().State())

	// a second disconnect is a no-op
	require.NoError(t, shard.Disconnect(ctx))
	assert.NoError(t, shard.Err())
}

func TestShardReceiveHelloRejectsOtherOps(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)
	ctx := context.Background()

	require.NoError(t, shard.Connect(ctx))
	c := gw.accept(t)

	require.NoError(t, c.send(OpDispatch, "READY", 1, `{}`))

	err := shard.ReceiveHello(ctx)
	var gatewayErr *GatewayError
	require.ErrorAs(t, err, &gatewayErr)
	assert.Equal(t, OpDispatch, gatewayErr.Op)
	assert.Equal(t, OpHello, gatewayErr.Expected)
	assert.Contains(t, err.Error(), "invalid handshake")
}

func TestShardReceiveHelloOnClosedSocket(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)
	ctx := context.Background()

	require.NoError(t, shard.Connect(ctx))
	gw.accept(t).closeWith(websocket.CloseNormalClosure)

	err := shard.ReceiveHello(ctx)
	var gatewayErr *GatewayError
	require.ErrorAs(t, err, &gatewayErr)
	assert.True(t, gatewayErr.Closed)
}

func TestShardResumeWithRestartKeepsSession(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)
	ctx := context.Background()

	c := handshake(t, gw, shard, time.Hour)

	require.NoError(t, c.send(OpDispatch, "TYPING_START", 42, `{}`))
	require.Eventually(t, func() bool {
		seq, _ := shard.Sequence()
		return seq == 42
	}, testTimeout, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- shard.Resume(ctx, true) }()

	assert.Equal(t, CloseResumable, c.expectClose(t))

	c2 := gw.accept(t)
	require.NoError(t, c2.hello(time.Hour))

	var resume Resume
	require.NoError(t, json.Unmarshal(c2.expect(t, OpResume), &resume))
	assert.Equal(t, "token", resume.Token)
	assert.Equal(t, "abc", resume.SessionID)
	require.NotNil(t, resume.Sequence)
	assert.Equal(t, int64(42), *resume.Sequence)

	require.NoError(t, <-done)
	assert.True(t, shard.Resuming())
	assert.Equal(t, StateResuming, shard.State())

	require.NoError(t, c2.send(OpDispatch, "RESUMED", 43, `{}`))
	require.Eventually(t, func() bool {
		return shard.State() == StateReady && !shard.Resuming()
	}, testTimeout, time.Millisecond)

	assert.Equal(t, "abc", shard.SessionID())
	seq, _ := shard.Sequence()
	assert.Equal(t, int64(43), seq)
}

func TestShardFreshConnectClearsSession(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)
	ctx := context.Background()

	handshake(t, gw, shard, time.Hour)
	require.NoError(t, shard.Disconnect(ctx))

	assert.Equal(t, "abc", shard.SessionID())

	require.NoError(t, shard.Connect(ctx))
	gw.accept(t)

	assert.Empty(t, shard.SessionID())
	_, ok := shard.Sequence()
	assert.False(t, ok)
	assert.Empty(t, shard.Unavailable())
}

func TestShardResumeWithoutSession(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	assert.Error(t, shard.Resume(context.Background(), true))
}

func TestShardInvalidSessionIsFatal(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)
	ctx := context.Background()

	c := handshake(t, gw, shard, time.Hour)

	require.NoError(t, shard.Resume(ctx, false))
	c.expect(t, OpResume)
	assert.True(t, shard.Resuming())

	require.NoError(t, c.send(OpInvalidSession, "", 0, "false"))

	waitCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	err := shard.Wait(waitCtx)
	assert.ErrorIs(t, err, ErrConnectionRefused)

	var refused *ConnectionRefusedError
	require.ErrorAs(t, err, &refused)
	assert.False(t, refused.Resumable)
	assert.Equal(t, StateRefused, shard.State())
	assert.False(t, shard.Resuming())
}

func TestShardInvalidSessionRetries(t *testing.T) {
	previous := invalidSessionDelay
	invalidSessionDelay = func() time.Duration { return 0 }
	t.Cleanup(func() { invalidSessionDelay = previous })

	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw, WithInvalidSessionRetries(1))
	ctx := context.Background()

	c := handshake(t, gw, shard, time.Hour)

	// resumable: resume on the same socket
	require.NoError(t, c.send(OpInvalidSession, "", 0, "true"))
	var resume Resume
	require.NoError(t, json.Unmarshal(c.expect(t, OpResume), &resume))
	assert.Equal(t, "abc", resume.SessionID)

	require.NoError(t, c.send(OpDispatch, "RESUMED", 2, `{}`))
	require.Eventually(t, func() bool { return !shard.Resuming() }, testTimeout, time.Millisecond)

	// not resumable: identify again with a clean session
	require.NoError(t, c.send(OpInvalidSession, "", 0, "false"))
	c.expect(t, OpIdentify)
	assert.Empty(t, shard.SessionID())

	// out of retries
	require.NoError(t, c.send(OpInvalidSession, "", 0, "false"))

	waitCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	assert.ErrorIs(t, shard.Wait(waitCtx), ErrConnectionRefused)
	assert.Equal(t, StateRefused, shard.State())
}

func TestShardAnswersHeartbeatRequest(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	c := handshake(t, gw, shard, time.Hour)

	require.NoError(t, c.send(OpDispatch, "TYPING_START", 7, `{}`))
	require.NoError(t, c.send(OpHeartbeat, "", 0, ""))

	data := c.expect(t, OpHeartbeat)
	assert.Equal(t, "7", string(data))

	require.NoError(t, c.send(OpHeartbeatAck, "", 0, ""))
	require.Eventually(t, func() bool {
		return shard.Heartbeat().State() == HeartbeatRunning
	}, testTimeout, time.Millisecond)
}

func TestShardReconnectsAfterServerClose(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	c := handshake(t, gw, shard, time.Hour)
	c.closeWith(4009)

	c2 := gw.accept(t)
	require.NoError(t, c2.hello(time.Hour))

	var resume Resume
	require.NoError(t, json.Unmarshal(c2.expect(t, OpResume), &resume))
	assert.Equal(t, "abc", resume.SessionID)
	assert.Equal(t, "10", c2.query.Get("v"))
}

func TestShardReconnectRequest(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	c := handshake(t, gw, shard, time.Hour)
	require.NoError(t, c.send(OpReconnect, "", 0, ""))
	assert.Equal(t, CloseResumable, c.expectClose(t))

	c2 := gw.accept(t)
	require.NoError(t, c2.hello(time.Hour))
	c2.expect(t, OpResume)
}

func TestShardStopsOnFatalClose(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	c := handshake(t, gw, shard, time.Hour)
	c.closeWith(4004)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := shard.Wait(ctx)
	var closed *ConnectionClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, 4004, closed.Code)
	assert.True(t, closed.Fatal())
	assert.Equal(t, StateDisconnected, shard.State())
}

func TestShardZombieConnectionResumes(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	c := handshake(t, gw, shard, 150*time.Millisecond)

	// never acknowledge; the shard must give up on this socket
	c.expect(t, OpHeartbeat)

	c2 := gw.accept(t)
	require.NoError(t, c2.hello(time.Hour))

	var resume Resume
	require.NoError(t, json.Unmarshal(c2.expect(t, OpResume), &resume))
	assert.Equal(t, "abc", resume.SessionID)
}

func TestShardPresenceAndVoice(t *testing.T) {
	gw := newFakeGateway(t, nil)
	ctx := context.Background()

	t.Run("voice disabled", func(t *testing.T) {
		shard := newTestShard(t, gw)
		assert.ErrorIs(t, shard.UpdateVoiceState(ctx, VoiceStateUpdate{GuildID: 1}), ErrVoiceUnavailable)
	})

	t.Run("voice enabled", func(t *testing.T) {
		shard := newTestShard(t, gw, WithVoice(true))
		c := handshake(t, gw, shard, time.Hour)

		channel := Snowflake(20)
		require.NoError(t, shard.UpdateVoiceState(ctx, VoiceStateUpdate{GuildID: 1, ChannelID: &channel, SelfDeaf: true}))

		var update VoiceStateUpdate
		require.NoError(t, json.Unmarshal(c.expect(t, OpVoiceStateUpdate), &update))
		assert.Equal(t, Snowflake(1), update.GuildID)
		require.NotNil(t, update.ChannelID)
		assert.Equal(t, channel, *update.ChannelID)
		assert.True(t, update.SelfDeaf)

		require.NoError(t, shard.ChangePresence(ctx, &Presence{Status: "idle", Activities: []Activity{{Name: "tests"}}}))

		var presence Presence
		require.NoError(t, json.Unmarshal(c.expect(t, OpPresenceUpdate), &presence))
		assert.Equal(t, "idle", presence.Status)
		require.Len(t, presence.Activities, 1)
		assert.Equal(t, "tests", presence.Activities[0].Name)
	})
}

func TestShardSendIsRateLimited(t *testing.T) {
	gw := newFakeGateway(t, nil)
	limiter := NewRateLimiter(WithLimit(2), WithWindow(time.Hour))
	shard := newTestShard(t, gw, WithRateLimiter(limiter))

	// identify counts against the bucket
	handshake(t, gw, shard, time.Hour)
	require.NoError(t, shard.ChangePresence(context.Background(), &Presence{Status: "online"}))
	assert.True(t, limiter.Exceeded(shard.RatelimitKey()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, shard.ChangePresence(ctx, &Presence{Status: "idle"}), context.DeadlineExceeded)
}

func TestShardDisconnectWithoutConnection(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	require.NoError(t, shard.Disconnect(context.Background()))
	require.NoError(t, shard.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, shard.State())
	assert.ErrorIs(t, shard.Send(context.Background(), OpPresenceUpdate, &Presence{}), ErrNotConnected)
}

func TestShardSurvivesBadFrames(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	c := handshake(t, gw, shard, time.Hour)

	require.NoError(t, c.raw(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, c.raw(websocket.BinaryMessage, []byte{0x78, 0x00, 0x01}))
	require.NoError(t, c.send(OpDispatch, "CHANNEL_DELETE", 2, `{"id":"99"}`))
	require.NoError(t, c.send(OpDispatch, "GUILD_DELETE", 3, `{"id":"98"}`))
	require.NoError(t, c.send(OpDispatch, "TYPING_START", 9, `{}`))

	require.Eventually(t, func() bool {
		seq, _ := shard.Sequence()
		return seq == 9
	}, testTimeout, time.Millisecond)

	assert.Equal(t, StateReady, shard.State())
	assert.NoError(t, shard.Err())
	select {
	case <-shard.Done():
		t.Fatal("receive loop stopped")
	default:
	}
}

func TestShardScheduledHeartbeatCarriesSequence(t *testing.T) {
	const interval = 500 * time.Millisecond

	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)

	start := time.Now()
	c := handshake(t, gw, shard, interval)

	require.NoError(t, c.send(OpDispatch, "TYPING_START", 5, `{}`))
	require.Eventually(t, func() bool {
		seq, _ := shard.Sequence()
		return seq == 5
	}, interval/2, time.Millisecond)

	data := c.expect(t, OpHeartbeat)
	assert.Equal(t, "5", string(data))
	assert.GreaterOrEqual(t, time.Since(start), interval)
}

func TestShardClosedCannotReconnect(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)
	ctx := context.Background()

	handshake(t, gw, shard, time.Hour)

	require.NoError(t, shard.Close(ctx))
	require.NoError(t, shard.Close(ctx))

	assert.ErrorIs(t, shard.Connect(ctx), ErrShardClosed)
	assert.ErrorIs(t, shard.Start(ctx), ErrShardClosed)
	assert.ErrorIs(t, shard.Resume(ctx, true), ErrShardClosed)
}

func TestShardReidentifyKeepsPendingDisconnect(t *testing.T) {
	gw := newFakeGateway(t, nil)
	shard := newTestShard(t, gw)
	ctx := context.Background()

	require.NoError(t, shard.Disconnect(ctx))

	done := make(chan error, 1)
	go func() { done <- shard.reidentify(ctx) }()

	c := gw.accept(t)
	require.NoError(t, c.hello(time.Hour))
	c.expect(t, OpIdentify)
	require.NoError(t, <-done)

	assert.True(t, shard.closing.Load())
}
