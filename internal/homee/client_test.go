package homee

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	mu        sync.Mutex
	written   []string
	pong      func()
	autoPong  bool
	closeCode int

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	pings     atomic.Int32
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		autoPong: autoPong,
		inbound:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) Ping() error {
	c.pings.Add(1)
	c.mu.Lock()
	pong := c.pong
	c.mu.Unlock()
	if c.autoPong && pong != nil {
		go pong()
	}
	return nil
}

func (c *fakeConn) SetPongHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pong = fn
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	return c.Terminate()
}

func (c *fakeConn) Terminate() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	urls     []string
	origins  []string
	conns    []*fakeConn
	fail     error
	autoPong bool
}

func (d *fakeDialer) Dial(_ context.Context, url, origin string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, url)
	d.origins = append(d.origins, origin)
	if d.fail != nil {
		return nil, d.fail
	}
	conn := newFakeConn(d.autoPong)
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(bus *Bus, types ...EventType) *recorder {
	r := &recorder{}
	for _, t := range types {
		bus.Subscribe(t, r.add)
	}
	return r
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) of(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func newTokenServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "access_token=tok123&user_id=1&device_id=2&expires=3600")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, cfg Config, dialer Dialer, tokenSrv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	cfg.User = "user"
	cfg.Password = "secret"
	cfg.BaseURL = tokenSrv.URL
	cfg.WebSocketURL = "ws://hub.test"

	opts = append([]Option{WithHTTPClient(tokenSrv.Client()), WithDialer(dialer)}, opts...)
	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientConnect(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{autoPong: true}

	c := newTestClient(t, DefaultConfig(), dialer, srv)
	rec := recordEvents(c.Bus(), EventConnected, EventReconnect)

	require.Equal(t, StateIdle, c.State())
	require.NoError(t, c.Connect(testContext(t)))

	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.SessionID())
	require.Equal(t, 1, dialer.dials())
	assert.Equal(t, "ws://hub.test/connection?access_token=tok123", dialer.urls[0])
	assert.Equal(t, srv.URL, dialer.origins[0])
	assert.Equal(t, []string{"GET:all"}, dialer.conn(0).messages())

	require.Eventually(t, func() bool { return len(rec.of(EventConnected)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, c.SessionID(), rec.of(EventConnected)[0].(ConnectedEvent).SessionID)
	assert.Empty(t, rec.of(EventReconnect))

	// Connecting again is a no-op.
	require.NoError(t, c.Connect(testContext(t)))
	assert.Equal(t, 1, dialer.dials())
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientAppliesInboundFrames(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{autoPong: true}

	c := newTestClient(t, DefaultConfig(), dialer, srv)
	rec := recordEvents(c.Bus(), EventAll, EventAttribute)
	require.NoError(t, c.Connect(testContext(t)))

	conn := dialer.conn(0)
	conn.inbound <- []byte(`{"all":{"nodes":[{"id":1,"name":"lamp","attributes":[{"id":2,"node_id":1,"current_value":0}]}],"groups":[],"relationships":[],"plans":[],"homeegrams":[]}}`)
	conn.inbound <- []byte(`{"attribute":{"id":2,"node_id":1,"current_value":100}}`)

	require.Eventually(t, func() bool { return len(rec.of(EventAttribute)) == 1 }, time.Second, 5*time.Millisecond)
	require.Len(t, rec.of(EventAll), 1)

	attr, ok := c.Mirror().Attribute(2)
	require.True(t, ok)
	assert.Equal(t, 100.0, attr.CurrentValue)
}

func TestClientMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{fail: errors.New("connection refused")}

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.ReconnectInterval = 5 * time.Millisecond
	c := newTestClient(t, cfg, dialer, srv)
	rec := recordEvents(c.Bus(), EventReconnect, EventMaxRetries, EventError)

	err := c.Connect(testContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetries)

	require.Eventually(t, func() bool { return len(rec.of(EventMaxRetries)) == 1 }, time.Second, 5*time.Millisecond)

	// Nothing is scheduled after the ceiling.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, dialer.dials())
	assert.Len(t, rec.of(EventMaxRetries), 1)
	assert.Equal(t, 2, rec.of(EventMaxRetries)[0].(MaxRetriesEvent).Max)
	assert.Len(t, rec.of(EventError), 2)

	var attempts []int
	for _, e := range rec.of(EventReconnect) {
		attempts = append(attempts, e.(ReconnectEvent).Attempt)
	}
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientConnectAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{fail: errors.New("connection refused")}

	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.ReconnectInterval = 5 * time.Millisecond
	c := newTestClient(t, cfg, dialer, srv)

	require.ErrorIs(t, c.Connect(testContext(t)), ErrMaxRetries)
	require.Equal(t, 1, dialer.dials())

	dialer.mu.Lock()
	dialer.fail = nil
	dialer.autoPong = true
	dialer.mu.Unlock()

	require.NoError(t, c.Connect(testContext(t)))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, dialer.dials())
}

func TestClientAuthFailureIsFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	dialer := &fakeDialer{}

	cfg := DefaultConfig()
	cfg.ReconnectInterval = 5 * time.Millisecond
	c := newTestClient(t, cfg, dialer, srv)
	rec := recordEvents(c.Bus(), EventError)

	err := c.Connect(testContext(t))
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusForbidden, authErr.Status)

	require.Eventually(t, func() bool { return len(rec.of(EventError)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, dialer.dials())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientTokenReuse(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	c := newTestClient(t, DefaultConfig(), &fakeDialer{}, srv)

	first, err := c.EnsureToken(testContext(t))
	require.NoError(t, err)
	second, err := c.EnsureToken(testContext(t))
	require.NoError(t, err)

	assert.Equal(t, "tok123", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientTokenExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)

	var offset atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	c := newTestClient(t, DefaultConfig(), &fakeDialer{}, srv, withClock(clock))

	_, err := c.EnsureToken(testContext(t))
	require.NoError(t, err)

	offset.Store(int64(2 * time.Hour))
	_, err = c.EnsureToken(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClientConcurrentTokenRequestsShareFetch(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, "access_token=shared&user_id=1&device_id=2&expires=3600")
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(t, DefaultConfig(), &fakeDialer{}, srv)

	var wg sync.WaitGroup
	tokens := make([]string, 5)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _ = c.EnsureToken(testContext(t))
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, tok := range tokens {
		assert.Equal(t, "shared", tok)
	}
}

func TestClientHeartbeatTerminatesSilentConnection(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{}

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ReconnectInterval = 10 * time.Millisecond
	c := newTestClient(t, cfg, dialer, srv)
	rec := recordEvents(c.Bus(), EventDisconnected, EventReconnect)

	require.NoError(t, c.Connect(testContext(t)))
	first := dialer.conn(0)

	require.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, first.pings.Load(), int32(1))

	require.Eventually(t, func() bool { return dialer.dials() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.of(EventReconnect)) >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.of(EventReconnect)[0].(ReconnectEvent).Attempt)
	assert.NotEmpty(t, rec.of(EventDisconnected))
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientHeartbeatKeepsLiveConnection(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{autoPong: true}

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	c := newTestClient(t, cfg, dialer, srv)

	require.NoError(t, c.Connect(testContext(t)))
	time.Sleep(200 * time.Millisecond)

	conn := dialer.conn(0)
	assert.False(t, conn.isClosed())
	assert.GreaterOrEqual(t, conn.pings.Load(), int32(3))
	assert.Equal(t, 1, dialer.dials())
	assert.Equal(t, StateConnected, c.State())
}

func TestClientReconnectsAfterRemoteClose(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{autoPong: true}

	cfg := DefaultConfig()
	cfg.ReconnectInterval = 5 * time.Millisecond
	c := newTestClient(t, cfg, dialer, srv)
	rec := recordEvents(c.Bus(), EventConnected, EventDisconnected)

	require.NoError(t, c.Connect(testContext(t)))
	_ = dialer.conn(0).Terminate()

	require.Eventually(t, func() bool { return len(rec.of(EventConnected)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.of(EventDisconnected), 1)
	assert.Equal(t, StateConnected, c.State())
	require.Eventually(t, func() bool { return len(dialer.conn(1).messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"GET:all"}, dialer.conn(1).messages())
}

func TestClientNoReconnectWhenDisabled(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{autoPong: true}

	cfg := DefaultConfig()
	cfg.Reconnect = false
	cfg.ReconnectInterval = 5 * time.Millisecond
	c := newTestClient(t, cfg, dialer, srv)
	rec := recordEvents(c.Bus(), EventDisconnected)

	require.NoError(t, c.Connect(testContext(t)))
	_ = dialer.conn(0).Terminate()

	require.Eventually(t, func() bool { return len(rec.of(EventDisconnected)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, dialer.dials())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientDisconnect(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{autoPong: true}

	cfg := DefaultConfig()
	cfg.ReconnectInterval = 5 * time.Millisecond
	c := newTestClient(t, cfg, dialer, srv)
	rec := recordEvents(c.Bus(), EventDisconnected)

	require.NoError(t, c.Connect(testContext(t)))
	require.NoError(t, c.Disconnect(testContext(t)))

	conn := dialer.conn(0)
	assert.True(t, conn.isClosed())
	conn.mu.Lock()
	assert.Equal(t, CloseNormal, conn.closeCode)
	conn.mu.Unlock()
	assert.Equal(t, StateClosed, c.State())

	require.Eventually(t, func() bool { return len(rec.of(EventDisconnected)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.of(EventDisconnected), 1)
	assert.Equal(t, closeByUserReason, rec.of(EventDisconnected)[0].(DisconnectedEvent).Reason)
	assert.Equal(t, 1, dialer.dials())

	assert.ErrorIs(t, c.Send(testContext(t), "GET:nodes"), ErrNotConnected)

	// A user Connect clears the close flag.
	require.NoError(t, c.Connect(testContext(t)))
	assert.Equal(t, 2, dialer.dials())
}

func TestClientDisconnectCancelsPendingConnect(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{fail: errors.New("connection refused")}

	cfg := DefaultConfig()
	cfg.ReconnectInterval = time.Hour
	c := newTestClient(t, cfg, dialer, srv)
	rec := recordEvents(c.Bus(), EventDisconnected)

	result := make(chan error, 1)
	go func() { result <- c.Connect(testContext(t)) }()

	require.Eventually(t, func() bool { return dialer.dials() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Disconnect(testContext(t)))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.Equal(t, StateClosed, c.State())

	// No socket was ever open, the user disconnect is still announced.
	require.Eventually(t, func() bool { return len(rec.of(EventDisconnected)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, closeByUserReason, rec.of(EventDisconnected)[0].(DisconnectedEvent).Reason)
}

func TestClientCommands(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{autoPong: true}

	c := newTestClient(t, DefaultConfig(), dialer, srv)
	rec := recordEvents(c.Bus(), EventError)
	ctx := testContext(t)

	require.ErrorIs(t, c.SetValue(ctx, 1, 2, 3), ErrNotConnected)
	require.NoError(t, c.Connect(ctx))

	conn := dialer.conn(0)
	conn.inbound <- []byte(`{"nodes":[{"id":5,"attributes":[{"id":10,"node_id":5}]}]}`)
	conn.inbound <- []byte(`{"groups":[{"id":3,"name":"Hall"}]}`)
	require.Eventually(t, func() bool { _, ok := c.Mirror().Attribute(10); return ok }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(c.Mirror().Groups()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SetValue(ctx, 5, 10, 21.5))
	require.NoError(t, c.CreateGroup(ctx, "Living Room", ""))
	require.NoError(t, c.DeleteGroup(ctx, 3))
	// deletes are not propagated into the mirror
	assert.Len(t, c.Mirror().Groups(), 1)
	require.NoError(t, c.Play(ctx, 4))
	require.NoError(t, c.ActivateHomeegram(ctx, 4))
	require.NoError(t, c.DeactivateHomeegram(ctx, 4))
	require.NoError(t, c.History(ctx, HistoryAttribute, 10, Window{Limit: 5}))
	require.NoError(t, c.History(ctx, HistoryNode, 5, Window{}))
	require.NoError(t, c.Diary(ctx, Window{}))

	err := c.History(ctx, HistoryAttribute, 99, Window{})
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	assert.ErrorIs(t, err, ErrValidation)

	err = c.History(ctx, HistoryKind("group"), 1, Window{})
	assert.ErrorIs(t, err, ErrValidation)

	err = c.SetValue(ctx, 5, 10, nan())
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, []string{
		"GET:all",
		"PUT:/nodes/5/attributes/10?target_value=21.5",
		"POST:groups?name=Living%20Room&image=default",
		"DELETE:groups/3",
		"PUT:homeegrams/4?play=1",
		"PUT:homeegrams/4?active=1",
		"PUT:homeegrams/4?active=0",
		"GET:nodes/5/attributes/10/history?limit=5&",
		"GET:nodes/5/history?",
		"GET:diary?",
	}, conn.messages())

	require.Eventually(t, func() bool { return len(rec.of(EventError)) == 3 }, time.Second, 5*time.Millisecond)
}

func nan() float64 {
	var zero float64
	return zero / zero
}

func TestClientClose(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, &hits)
	dialer := &fakeDialer{autoPong: true}
	c := newTestClient(t, DefaultConfig(), dialer, srv)

	require.NoError(t, c.Connect(testContext(t)))
	require.NoError(t, c.Close(testContext(t)))

	assert.ErrorIs(t, c.Connect(testContext(t)), ErrClosed)
	assert.ErrorIs(t, c.Send(testContext(t), "GET:all"), ErrClosed)
	_, err := c.EnsureToken(testContext(t))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, c.Close(testContext(t)))
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Host: "192.168.0.2"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewClient(Config{User: "user"})
	assert.ErrorIs(t, err, ErrValidation)

	c, err := NewClient(Config{Host: "0123456789AB", User: "user"})
	require.NoError(t, err)
	defer c.Close(context.Background())
	assert.Equal(t, "https://0123456789AB.hom.ee", c.baseURL)
	assert.Equal(t, "wss://0123456789AB.hom.ee", c.wsURL)
	assert.Equal(t, DefaultDevice, c.cfg.Device)
	assert.Equal(t, DefaultReconnectInterval, c.cfg.ReconnectInterval)
}

// fakeHub serves the token endpoint and a WebSocket endpoint the way a
// homee does.
func fakeHub(t *testing.T, frames ...string) (*httptest.Server, <-chan string) {
	t.Helper()

	received := make(chan string, 16)
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}

	mux := http.NewServeMux()
	mux.HandleFunc("/access_token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "access_token=hubtoken&user_id=1&device_id=2&expires=3600")
	})
	mux.HandleFunc("/connection", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "hubtoken" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
			if string(data) == "GET:all" {
				for _, f := range frames {
					if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
						return
					}
				}
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, received
}

func TestClientAgainstWebSocketHub(t *testing.T) {
	srv, received := fakeHub(t,
		`{"all":{"nodes":[{"id":1,"name":"Heater","attributes":[{"id":3,"node_id":1,"current_value":20}]}],"groups":[{"id":2,"name":"Bath"}],"relationships":[{"id":1,"group_id":2,"node_id":1}],"plans":[],"homeegrams":[]}}`,
		`{"attribute":{"id":3,"node_id":1,"current_value":21}}`,
	)

	cfg := DefaultConfig()
	cfg.User = "user"
	cfg.Password = "secret"
	cfg.BaseURL = srv.URL
	cfg.WebSocketURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	c, err := NewClient(cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := testContext(t)
	require.NoError(t, c.Connect(ctx))

	select {
	case msg := <-received:
		assert.Equal(t, "GET:all", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not receive full state request")
	}

	require.Eventually(t, func() bool {
		a, ok := c.Mirror().Attribute(3)
		return ok && a.CurrentValue == 21
	}, 2*time.Second, 10*time.Millisecond)

	nodes, err := c.Mirror().NodesByGroupName("Bath")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Heater", nodes[0].Name)

	require.NoError(t, c.SetValue(ctx, 1, 3, 22))
	select {
	case msg := <-received:
		assert.Equal(t, "PUT:/nodes/1/attributes/3?target_value=22", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not receive command")
	}

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, StateClosed, c.State())
}
