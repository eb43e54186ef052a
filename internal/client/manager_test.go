package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/socket-chat-client/internal/chat"
	"github.com/omochice/socket-chat-client/internal/client"
	"github.com/omochice/socket-chat-client/internal/endpoint"
	"github.com/omochice/socket-chat-client/internal/transport/ws"
	"github.com/omochice/socket-chat-client/internal/transport/ws/wstest"
)

const (
	waitTimeout = 2 * time.Second
	tick        = 5 * time.Millisecond
)

// countingDialer records every dial attempt.
type countingDialer struct {
	inner ws.Dialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, url string) (ws.Conn, error) {
	d.dials.Add(1)
	return d.inner.Dial(ctx, url)
}

// stallingConn never completes a write until it is closed, like a peer that
// stopped reading.
type stallingConn struct {
	ws.Conn
	stalled chan struct{}
	once    sync.Once
}

func (c *stallingConn) Write(ctx context.Context, data []byte) error {
	<-c.stalled
	return errors.New("peer stalled")
}

func (c *stallingConn) Close(code int, reason string) error {
	err := c.Conn.Close(code, reason)
	c.once.Do(func() { close(c.stalled) })
	return err
}

// failingConn fails every write.
type failingConn struct {
	ws.Conn
}

func (c failingConn) Write(ctx context.Context, data []byte) error {
	return errors.New("broken pipe")
}

// wrappingDialer dials the real gateway and wraps each connection.
type wrappingDialer struct {
	inner ws.Dialer
	wrap  func(ws.Conn) ws.Conn
	dials atomic.Int32
}

func (d *wrappingDialer) Dial(ctx context.Context, url string) (ws.Conn, error) {
	d.dials.Add(1)
	conn, err := d.inner.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return d.wrap(conn), nil
}

func newManager(t *testing.T, srv *wstest.Server, opts ...client.Option) (*client.Manager, *countingDialer) {
	t.Helper()
	origin, err := url.Parse(srv.Origin())
	require.NoError(t, err)
	resolver := endpoint.New(origin, "")
	resolver.DevHosts = nil

	dialer := &countingDialer{inner: ws.NewDialer(time.Second)}
	opts = append([]client.Option{
		client.WithDialer(dialer),
		client.WithReconnectDelay(50 * time.Millisecond),
	}, opts...)

	m, err := client.New("alice", resolver, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, dialer
}

func waitConnectivity(t *testing.T, m *client.Manager, want chat.Connectivity) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Session().Connectivity() == want
	}, waitTimeout, tick, "connectivity never became %s", want)
}

func connect(t *testing.T, srv *wstest.Server, m *client.Manager) *wstest.Session {
	t.Helper()
	m.Connect()
	sess, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	waitConnectivity(t, m, chat.Connected)
	return sess
}

func TestNew_EmptyIdentity(t *testing.T) {
	_, err := client.New("", endpoint.New(nil, ""))
	require.ErrorIs(t, err, client.ErrEmptyIdentity)
}

func TestManager_ConnectUsesIdentityPath(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)

	assert.Equal(t, chat.Disconnected, m.Session().Connectivity())
	sess := connect(t, srv, m)

	assert.Equal(t, "alice", sess.Identity)
	assert.Equal(t, "alice", m.Identity())
}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, dialer := newManager(t, srv)

	m.Connect()
	m.Connect()
	_, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	waitConnectivity(t, m, chat.Connected)
	m.Connect()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, 1, srv.Count())
	assert.Equal(t, 1, srv.Active())
}

func TestManager_SendAppendsOptimistically(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)
	sess := connect(t, srv, m)

	require.True(t, m.Send("  hello  "))

	msgs := m.Session().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Author)
	assert.Equal(t, "hello", msgs[0].Text)

	data, err := sess.Receive(waitTimeout)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"alice","content":"hello"}`, string(data))

	require.NoError(t, sess.SendString(`{"username":"bob","content":"hi alice"}`))
	require.Eventually(t, func() bool { return len(m.Session().Messages()) == 2 }, waitTimeout, tick)
	msgs = m.Session().Messages()
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "bob", msgs[1].Author)
}

func TestManager_SendRejectsBlankText(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)
	sess := connect(t, srv, m)

	assert.False(t, m.Send("   "))
	assert.Empty(t, m.Session().Messages())
	assert.Equal(t, chat.Connected, m.Session().Connectivity())

	_, err := sess.Receive(100 * time.Millisecond)
	assert.ErrorIs(t, err, wstest.ErrTimeout)
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)

	assert.False(t, m.Send("hello"))
	assert.Empty(t, m.Session().Messages())
}

func TestManager_InboundClassification(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)
	sess := connect(t, srv, m)

	require.NoError(t, sess.SendString(`{"username":"bob"}`))
	require.NoError(t, sess.SendString(`not json`))
	require.NoError(t, sess.SendString(`{"content":"orphan"}`))
	require.NoError(t, sess.SendString(`{"username":"bob","content":"hi"}`))

	require.Eventually(t, func() bool { return len(m.Session().Messages()) == 1 }, waitTimeout, tick)
	time.Sleep(50 * time.Millisecond)

	snap := m.Session().Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "bob", snap.Messages[0].Author)
	assert.Equal(t, "hi", snap.Messages[0].Text)
	assert.Equal(t, chat.Connected, snap.Connectivity)
	assert.Empty(t, snap.LastError)
}

func TestManager_ReconnectsAfterAbnormalClose(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, dialer := newManager(t, srv)
	sess := connect(t, srv, m)

	sess.Drop()
	waitConnectivity(t, m, chat.Disconnected)

	_, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	waitConnectivity(t, m, chat.Connected)
	assert.Equal(t, int32(2), dialer.dials.Load())
	assert.Empty(t, m.Session().LastError())
}

func TestManager_ReconnectsAfterServerGoingAway(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)
	sess := connect(t, srv, m)

	require.NoError(t, sess.CloseWith(1001, "restart"))

	_, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	waitConnectivity(t, m, chat.Connected)
}

func TestManager_NoReconnectAfterNormalServerClose(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, dialer := newManager(t, srv)
	sess := connect(t, srv, m)

	require.NoError(t, sess.CloseWith(1000, "bye"))
	waitConnectivity(t, m, chat.Disconnected)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, chat.Disconnected, m.Session().Connectivity())
}

func TestManager_DisconnectClosesWithNormalCode(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, dialer := newManager(t, srv)
	sess := connect(t, srv, m)

	m.Disconnect()
	assert.Equal(t, chat.Disconnected, m.Session().Connectivity())

	code, err := sess.WaitClosed(waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, ws.CloseNormal, code)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, dialer := newManager(t, srv, client.WithReconnectDelay(200*time.Millisecond))
	sess := connect(t, srv, m)

	sess.Drop()
	waitConnectivity(t, m, chat.Disconnected)
	m.Disconnect()

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load(), "no reconnect may fire after Disconnect")
	assert.Equal(t, 1, srv.Count())
	assert.Equal(t, chat.Disconnected, m.Session().Connectivity())
}

func TestManager_ConnectSupersedesPendingReconnect(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, dialer := newManager(t, srv, client.WithReconnectDelay(200*time.Millisecond))
	sess := connect(t, srv, m)

	sess.Drop()
	waitConnectivity(t, m, chat.Disconnected)
	m.Connect()
	_, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	waitConnectivity(t, m, chat.Connected)

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(2), dialer.dials.Load())
	assert.Equal(t, 1, srv.Active())
}

func TestManager_DialFailureRecordsErrorAndRetries(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	srv.Reject(http.StatusServiceUnavailable)
	m, dialer := newManager(t, srv)

	m.Connect()
	require.Eventually(t, func() bool {
		snap := m.Session().Snapshot()
		return snap.HasError() && dialer.dials.Load() >= 2
	}, waitTimeout, tick)

	srv.Reject(0)
	_, err := srv.Accept(waitTimeout)
	require.NoError(t, err)
	waitConnectivity(t, m, chat.Connected)
	assert.Empty(t, m.Session().LastError())
}

func TestManager_SelfEchoIsKept(t *testing.T) {
	srv := wstest.NewServer(wstest.WithEcho())
	defer srv.Close()
	m, _ := newManager(t, srv)
	connect(t, srv, m)

	require.True(t, m.Send("hi"))

	require.Eventually(t, func() bool { return len(m.Session().Messages()) == 2 }, waitTimeout, tick)
	for _, msg := range m.Session().Messages() {
		assert.Equal(t, "alice", msg.Author)
		assert.Equal(t, "hi", msg.Text)
	}
}

func TestManager_IDsIncreaseAcrossSources(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)
	sess := connect(t, srv, m)

	for i := 0; i < 5; i++ {
		require.True(t, m.Send("mine"))
		require.NoError(t, sess.SendString(`{"username":"bob","content":"theirs"}`))
		want := 2 * (i + 1)
		require.Eventually(t, func() bool { return len(m.Session().Messages()) == want }, waitTimeout, tick)
	}

	msgs := m.Session().Messages()
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}
}

func TestManager_ClockStampsMessages(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	stamp := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	m, _ := newManager(t, srv, client.WithClock(func() time.Time { return stamp }))
	connect(t, srv, m)

	require.True(t, m.Send("hello"))
	assert.Equal(t, stamp, m.Session().Messages()[0].ReceivedAt)
}

func TestManager_WatchSeesTransitions(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)

	updates, cancel := m.Session().Watch()
	defer cancel()

	m.Connect()
	_, err := srv.Accept(waitTimeout)
	require.NoError(t, err)

	deadline := time.After(waitTimeout)
	for {
		select {
		case snap := <-updates:
			if snap.Connectivity == chat.Connected {
				return
			}
		case <-deadline:
			t.Fatal("never observed connected snapshot")
		}
	}
}

func TestManager_CloseTearsDown(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, dialer := newManager(t, srv, client.WithReconnectDelay(100*time.Millisecond))
	sess := connect(t, srv, m)
	updates, _ := m.Session().Watch()

	m.Close()
	m.Close()

	code, err := sess.WaitClosed(waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, ws.CloseNormal, code)
	assert.False(t, m.Send("after close"))

	for range updates {
	}

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManager_SessionIsReadOnly(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)

	var c client.Client = m
	view := c.Session()

	_, canUpdate := view.(interface{ Update(func(*chat.Mutation)) })
	assert.False(t, canUpdate, "session view exposes Update")
	_, canClose := view.(interface{ Close() })
	assert.False(t, canClose, "session view exposes Close")
	_, isSession := view.(*chat.Session)
	assert.False(t, isSession, "session view is the concrete session")

	assert.Equal(t, chat.Disconnected, view.Connectivity())
	assert.Empty(t, view.Messages())
	assert.False(t, m.Send("hello"))
}

func TestManager_WatchAfterCloseEnds(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	m, _ := newManager(t, srv)
	m.Close()

	updates, cancel := m.Session().Watch()
	defer cancel()

	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("watch after Close never ended")
	}
}

func TestManager_StalledWriteDoesNotBlockDisconnect(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	dialer := &wrappingDialer{
		inner: ws.NewDialer(time.Second),
		wrap: func(c ws.Conn) ws.Conn {
			return &stallingConn{Conn: c, stalled: make(chan struct{})}
		},
	}
	m, _ := newManager(t, srv, client.WithDialer(dialer))
	sess := connect(t, srv, m)

	require.True(t, m.Send("first"))
	require.True(t, m.Send("second"))
	assert.Len(t, m.Session().Messages(), 2)

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Disconnect blocked behind a stalled write")
	}

	code, err := sess.WaitClosed(waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, ws.CloseNormal, code)
	assert.Equal(t, chat.Disconnected, m.Session().Connectivity())
}

func TestManager_WriteFailureRecordsErrorAndReconnects(t *testing.T) {
	srv := wstest.NewServer()
	defer srv.Close()
	dialer := &wrappingDialer{
		inner: ws.NewDialer(time.Second),
		wrap:  func(c ws.Conn) ws.Conn { return failingConn{Conn: c} },
	}
	m, _ := newManager(t, srv,
		client.WithDialer(dialer),
		client.WithReconnectDelay(300*time.Millisecond),
	)
	sess := connect(t, srv, m)

	require.True(t, m.Send("hello"))

	require.Eventually(t, func() bool {
		return m.Session().Snapshot().HasError()
	}, waitTimeout, tick)
	assert.Contains(t, m.Session().LastError(), "transport error")

	code, err := sess.WaitClosed(waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, ws.CloseInternalError, code)

	_, err = srv.Accept(waitTimeout)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dialer.dials.Load(), int32(2))
}
