package homee

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Defaults for Config.
const (
	DefaultDevice            = "homeeApi"
	DefaultReconnectInterval = 5 * time.Second
	DefaultCommandsPerSecond = 10
)

// CloseNormal is the close code sent on a user requested disconnect.
const CloseNormal = 1000

const closeByUserReason = "closed by user request"

// State is the connection state of a Client.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Client.
type Config struct {
	Host     string
	User     string
	Password string
	Device   string

	Reconnect         bool
	ReconnectInterval time.Duration
	// MaxRetries bounds consecutive attempts; 0 means unlimited.
	MaxRetries int

	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	HandshakeTimeout  time.Duration

	// CommandsPerSecond rate limits Send; 0 disables the limit.
	CommandsPerSecond float64

	// BaseURL and WebSocketURL override the addresses derived from Host.
	BaseURL      string
	WebSocketURL string
}

// DefaultConfig returns a Config with every optional field set.
func DefaultConfig() Config {
	return Config{
		Device:            DefaultDevice,
		Reconnect:         true,
		ReconnectInterval: DefaultReconnectInterval,
		HeartbeatInterval: DefaultHeartbeatInterval,
		RequestTimeout:    DefaultRequestTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		CommandsPerSecond: DefaultCommandsPerSecond,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for the token handshake.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.httpClient = doer }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithBus publishes events on bus instead of a bus owned by the client.
// A shared bus is not closed by Client.Close.
func WithBus(bus *Bus) Option {
	return func(c *Client) {
		c.bus = bus
		c.ownBus = false
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is a persistent connection to one homee.
//
// All connection state is owned by a single event loop goroutine started by
// NewClient. Blocking I/O runs in helper goroutines which post their results
// back to the loop. Close must be called to stop the loop.
type Client struct {
	cfg        Config
	baseURL    string
	wsURL      string
	httpClient HTTPDoer
	creds      *Credentials
	dialer     Dialer
	bus        *Bus
	ownBus     bool
	mirror     *Mirror
	dispatcher *Dispatcher
	limiter    *rate.Limiter
	now        func() time.Time

	work     chan func()
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	state     atomic.Int32
	sessionID atomic.Value

	// Owned by the event loop.
	session        Session
	conn           Conn
	connID         int
	gen            int
	shouldClose    bool
	exhausted      bool
	fetching       bool
	tokenWaiters   []func(error)
	connectWaiters []chan<- error
	retryTimer     *time.Timer
	retrySeq       int
	hb             heartbeat
}

// NewClient validates cfg, fills unset fields from DefaultConfig and starts
// the client's event loop. The client is idle until Connect is called.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = withDefaults(cfg)
	if cfg.User == "" {
		return nil, &ValidationError{Field: "user", Reason: "is required"}
	}

	baseURL, wsURL := cfg.BaseURL, cfg.WebSocketURL
	if baseURL == "" || wsURL == "" {
		if cfg.Host == "" {
			return nil, &ValidationError{Field: "host", Reason: "is required"}
		}
		if baseURL == "" {
			baseURL = BaseURL(cfg.Host)
		}
		if wsURL == "" {
			wsURL = WebSocketURL(cfg.Host)
		}
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		wsURL:   strings.TrimRight(wsURL, "/"),
		ownBus:  true,
		mirror:  NewMirror(),
		now:     time.Now,
		work:    make(chan func()),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		hb:      heartbeat{interval: cfg.HeartbeatInterval},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.dialer == nil {
		c.dialer = WebSocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if c.bus == nil {
		c.bus = NewBus(DefaultWorkerCount, DefaultQueueSize)
		c.ownBus = true
	}

	limit := rate.Inf
	burst := 1
	if cfg.CommandsPerSecond > 0 {
		limit = rate.Limit(cfg.CommandsPerSecond)
		burst = max(1, int(cfg.CommandsPerSecond))
	}
	c.limiter = rate.NewLimiter(limit, burst)

	c.creds = NewCredentials(c.httpClient, c.baseURL, cfg.User, cfg.Password, cfg.Device, cfg.RequestTimeout)
	c.dispatcher = NewDispatcher(c.mirror, c.publish)

	go c.run()

	log.Debug().
		Str("base_url", c.baseURL).
		Str("ws_url", c.wsURL).
		Str("device", cfg.Device).
		Msg("Homee client created")
	return c, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Device == "" {
		cfg.Device = def.Device
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg
}

// Bus returns the bus the client publishes on.
func (c *Client) Bus() *Bus { return c.bus }

// Mirror returns the client's local state mirror.
func (c *Client) Mirror() *Mirror { return c.mirror }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Connected reports whether a socket is open.
func (c *Client) Connected() bool { return c.State() == StateConnected }

// SessionID identifies the most recently opened socket; empty before the first.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Connect opens the connection and returns once it is established. Transport
// failures are retried in the background according to Config; Connect only
// returns early on ctx cancellation, a fatal authentication failure, the retry
// ceiling or a Disconnect. Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	result := make(chan error, 1)
	ok := c.post(func() {
		c.shouldClose = false
		if c.exhausted {
			c.session.Retries = 0
			c.exhausted = false
		}

		switch c.State() {
		case StateConnected:
			result <- nil
			return
		case StateConnecting:
			c.connectWaiters = append(c.connectWaiters, result)
			return
		}

		c.connectWaiters = append(c.connectWaiters, result)
		c.gen++
		c.stopRetryTimer()
		c.setState(StateConnecting)
		c.attempt()
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Disconnect closes the socket with a normal close code and suppresses
// reconnection until the next Connect. Every call publishes a
// DisconnectedEvent, even when no socket was open.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.shouldClose = true
		c.gen++
		c.stopRetryTimer()
		c.hb.stop()

		wasOpen := c.conn != nil
		if wasOpen {
			if err := c.conn.Close(CloseNormal, closeByUserReason); err != nil {
				log.Debug().Err(err).Msg("Error during close handshake")
			}
			c.connID++
			c.conn = nil
		}
		c.session.Connected = false
		c.setState(StateClosed)

		c.resolveToken(ErrClosed)
		c.resolveConnect(ErrClosed)

		log.Info().Bool("was_open", wasOpen).Msg("Disconnected from homee")
		c.publish(DisconnectedEvent{Reason: closeByUserReason})
		return nil
	})
}

// Close disconnects, stops the event loop and closes an owned bus. A client
// that never connected is closed without a DisconnectedEvent.
func (c *Client) Close(ctx context.Context) error {
	var err error
	if c.State() != StateIdle {
		err = c.Disconnect(ctx)
		if errors.Is(err, ErrClosed) {
			err = nil
		}
	}

	c.quitOnce.Do(func() { close(c.quit) })
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.ownBus {
		c.bus.Close(ctx)
	}
	return err
}

// EnsureToken returns a valid access token, requesting a new one when the
// cached token is missing or expired. Concurrent callers share one request.
func (c *Client) EnsureToken(ctx context.Context) (string, error) {
	type tokenResult struct {
		token string
		err   error
	}
	result := make(chan tokenResult, 1)
	ok := c.post(func() {
		c.ensureToken(func(err error) {
			result <- tokenResult{token: c.session.Token, err: err}
		})
	})
	if !ok {
		return "", ErrClosed
	}

	select {
	case r := <-result:
		if r.err != nil {
			return "", r.err
		}
		return r.token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}
}

// Send writes a raw command such as "GET:nodes". It waits for the command
// rate limit and fails with ErrNotConnected while no socket is open.
func (c *Client) Send(ctx context.Context, msg string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.call(ctx, func() error { return c.write(msg) })
}

// SetValue sets the target value of an attribute.
func (c *Client) SetValue(ctx context.Context, nodeID, attributeID int, value float64) error {
	log.Debug().
		Int("node", nodeID).
		Int("attribute", attributeID).
		Float64("value", value).
		Msg("Setting target value")

	cmd, err := SetValueCommand(nodeID, attributeID, value)
	if err != nil {
		c.publish(ErrorEvent{Err: err})
		return err
	}
	return c.Send(ctx, cmd)
}

// CreateGroup creates a group; the answer arrives as a group message.
func (c *Client) CreateGroup(ctx context.Context, name, image string) error {
	return c.Send(ctx, CreateGroupCommand(name, image))
}

// DeleteGroup deletes a group on the hub. The group stays in the mirror until
// the next full replace.
func (c *Client) DeleteGroup(ctx context.Context, id int) error {
	return c.Send(ctx, DeleteGroupCommand(id))
}

// Play runs a homeegram once.
func (c *Client) Play(ctx context.Context, homeegramID int) error {
	return c.Send(ctx, PlayHomeegramCommand(homeegramID))
}

// ActivateHomeegram enables a homeegram.
func (c *Client) ActivateHomeegram(ctx context.Context, homeegramID int) error {
	return c.Send(ctx, ActivateHomeegramCommand(homeegramID))
}

// DeactivateHomeegram disables a homeegram.
func (c *Client) DeactivateHomeegram(ctx context.Context, homeegramID int) error {
	return c.Send(ctx, DeactivateHomeegramCommand(homeegramID))
}

// History requests the history of a node, attribute or homeegram. The answer
// arrives as a HistoryEvent. For attributes the owning node is resolved from
// the mirror; an unknown attribute id is reported and nothing is sent.
func (c *Client) History(ctx context.Context, kind HistoryKind, id int, w Window) error {
	var cmd string
	switch kind {
	case HistoryNode:
		cmd = NodeHistoryCommand(id, w)
	case HistoryHomeegram:
		cmd = HomeegramHistoryCommand(id, w)
	case HistoryAttribute:
		attr, ok := c.mirror.Attribute(id)
		if !ok {
			err := fmt.Errorf("%w: %w", ErrUnknownAttribute,
				&ValidationError{Field: "attribute", Reason: fmt.Sprintf("%d not found", id)})
			c.publish(ErrorEvent{Err: err})
			return err
		}
		cmd = AttributeHistoryCommand(attr.NodeID, id, w)
	default:
		_, err := ParseHistoryKind(string(kind))
		c.publish(ErrorEvent{Err: err})
		return err
	}
	return c.Send(ctx, cmd)
}

// Diary requests diary entries; the answer arrives as an OtherEvent.
func (c *Client) Diary(ctx context.Context, w Window) error {
	return c.Send(ctx, DiaryCommand(w))
}

// FetchLog downloads the hub's log file.
func (c *Client) FetchLog(ctx context.Context) (string, error) {
	token, err := c.EnsureToken(ctx)
	if err != nil {
		return "", err
	}
	return c.creds.FetchLog(ctx, token)
}

// Event loop.

func (c *Client) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-c.hb.C():
			c.onHeartbeat()
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

// post runs fn on the event loop. It must not be called from the loop itself.
func (c *Client) post(fn func()) bool {
	select {
	case c.work <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !c.post(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) shutdown() {
	c.hb.stop()
	c.stopRetryTimer()
	if c.conn != nil {
		_ = c.conn.Terminate()
		c.conn = nil
		c.connID++
	}
	c.resolveToken(ErrClosed)
	c.resolveConnect(ErrClosed)
	log.Debug().Msg("Homee client event loop stopped")
}

func (c *Client) publish(e Event) {
	c.bus.Publish(e)
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Connection state changed")
	}
}

// countAttempt registers one connection attempt against the shared retry
// counter. Every attempt past the first announces itself with a
// ReconnectEvent; exceeding MaxRetries stops all further attempts.
func (c *Client) countAttempt() error {
	if c.exhausted {
		return &MaxRetriesError{Max: c.cfg.MaxRetries}
	}

	if c.session.Retries > 0 {
		log.Info().Int("attempt", c.session.Retries).Msg("Reconnect attempt")
		c.publish(ReconnectEvent{Attempt: c.session.Retries})
	}

	c.session.Retries++
	if c.cfg.MaxRetries > 0 && c.session.Retries > c.cfg.MaxRetries {
		log.Error().Int("max_retries", c.cfg.MaxRetries).Msg("Reached max retries")
		c.exhausted = true
		c.stopRetryTimer()
		c.setState(StateDisconnected)
		c.publish(MaxRetriesEvent{Max: c.cfg.MaxRetries})
		return &MaxRetriesError{Max: c.cfg.MaxRetries}
	}
	return nil
}

// attempt runs one connection attempt: token first, then the socket.
func (c *Client) attempt() {
	if c.shouldClose {
		return
	}
	gen := c.gen
	c.ensureToken(func(err error) {
		if gen != c.gen || c.shouldClose {
			return
		}
		if err != nil {
			c.failConnect(err)
			return
		}
		c.dial()
	})
}

func (c *Client) ensureToken(cb func(error)) {
	if c.session.TokenValid(c.now()) {
		cb(nil)
		return
	}
	c.tokenWaiters = append(c.tokenWaiters, cb)
	if c.fetching {
		return
	}
	c.requestToken()
}

func (c *Client) requestToken() {
	if err := c.countAttempt(); err != nil {
		c.resolveToken(err)
		return
	}

	c.fetching = true
	go func() {
		token, err := c.creds.RequestToken(context.Background())
		c.post(func() { c.onToken(token, err) })
	}()
}

func (c *Client) onToken(token Token, err error) {
	c.fetching = false

	if err == nil {
		c.session.Token = token.AccessToken
		c.session.Expires = c.now().Add(token.TTL)
		c.session.Retries = 0
		log.Info().
			Str("user_id", token.UserID).
			Str("device_id", token.DeviceID).
			Time("valid_until", c.session.Expires).
			Msg("Received access token")
		c.resolveToken(nil)
		return
	}

	var transportErr *TransportError
	if !errors.As(err, &transportErr) || c.shouldClose {
		log.Error().Err(err).Msg("Cannot receive access token")
		c.publish(ErrorEvent{Err: err})
		c.resolveToken(err)
		return
	}

	delay := c.cfg.ReconnectInterval * time.Duration(c.session.Retries)
	log.Warn().Err(err).Dur("retry_in", delay).Msg("Cannot receive access token, retrying")
	c.publish(ErrorEvent{Err: err})
	c.armRetry(delay, func() {
		if len(c.tokenWaiters) > 0 && !c.fetching {
			c.requestToken()
		}
	})
}

func (c *Client) resolveToken(err error) {
	waiters := c.tokenWaiters
	c.tokenWaiters = nil
	for _, cb := range waiters {
		cb(err)
	}
}

func (c *Client) dial() {
	if err := c.countAttempt(); err != nil {
		c.failConnect(err)
		return
	}

	gen := c.gen
	target := c.wsURL + "/connection?access_token=" + url.QueryEscape(c.session.Token)
	log.Debug().Str("url", c.wsURL).Int("attempt", c.session.Retries).Msg("Opening websocket")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		defer cancel()
		conn, err := c.dialer.Dial(ctx, target, c.baseURL)
		if !c.post(func() { c.onDial(gen, conn, err) }) && conn != nil {
			_ = conn.Terminate()
		}
	}()
}

func (c *Client) onDial(gen int, conn Conn, err error) {
	if gen != c.gen || c.shouldClose {
		if conn != nil {
			_ = conn.Terminate()
		}
		return
	}

	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		log.Warn().Err(err).Int("attempt", c.session.Retries).Msg("Cannot open websocket")
		c.publish(ErrorEvent{Err: terr})
		if !c.cfg.Reconnect {
			c.failConnect(terr)
			return
		}
		c.scheduleReconnect()
		return
	}

	c.onOpen(conn)
}

func (c *Client) onOpen(conn Conn) {
	c.connID++
	id := c.connID
	c.conn = conn
	c.session.Connected = true
	c.session.Retries = 1
	c.exhausted = false

	sessionID := uuid.NewString()
	c.sessionID.Store(sessionID)

	conn.SetPongHandler(func() {
		c.post(func() {
			if id == c.connID {
				c.hb.pong()
			}
		})
	})

	c.setState(StateConnected)
	log.Info().Str("session_id", sessionID).Msg("Connected to homee")
	c.publish(ConnectedEvent{SessionID: sessionID})

	c.hb.start()
	go c.readLoop(id, conn)

	if err := c.write(GetCommand("all")); err != nil {
		log.Warn().Err(err).Msg("Cannot request full state")
	}
	c.resolveConnect(nil)
}

func (c *Client) readLoop(id int, conn Conn) {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			c.post(func() { c.onClose(id, err) })
			return
		}
		ok := c.post(func() {
			if id == c.connID {
				c.dispatcher.Handle(frame)
			}
		})
		if !ok {
			return
		}
	}
}

func (c *Client) onClose(id int, err error) {
	if id != c.connID || c.conn == nil {
		return
	}

	reason := closeReason(err)
	if !c.shouldClose && c.session.Retries <= 1 {
		log.Warn().Str("reason", reason).Msg("Lost connection to homee")
	}

	c.hb.stop()
	_ = c.conn.Terminate()
	c.conn = nil
	c.session.Connected = false
	c.setState(StateDisconnected)
	c.publish(DisconnectedEvent{Reason: reason})

	if c.cfg.Reconnect && !c.shouldClose {
		c.scheduleReconnect()
	}
}

func (c *Client) onHeartbeat() {
	if c.conn == nil {
		c.hb.stop()
		return
	}
	c.hb.tick(c.conn)
}

// scheduleReconnect arms the next attempt after ReconnectInterval*retries.
func (c *Client) scheduleReconnect() {
	delay := c.cfg.ReconnectInterval * time.Duration(c.session.Retries)
	log.Info().Dur("delay", delay).Msg("Scheduling reconnect")
	c.armRetry(delay, func() {
		c.setState(StateConnecting)
		c.attempt()
	})
}

// armRetry runs fn on the loop after delay unless it is superseded by another
// armRetry, stopRetryTimer or a user disconnect.
func (c *Client) armRetry(delay time.Duration, fn func()) {
	c.stopRetryTimer()
	seq := c.retrySeq
	c.retryTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			if seq != c.retrySeq || c.shouldClose {
				return
			}
			c.retryTimer = nil
			fn()
		})
	})
}

func (c *Client) stopRetryTimer() {
	c.retrySeq++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) failConnect(err error) {
	c.resolveConnect(err)
	if c.State() != StateClosed {
		c.setState(StateDisconnected)
	}
}

func (c *Client) resolveConnect(err error) {
	waiters := c.connectWaiters
	c.connectWaiters = nil
	for _, ch := range waiters {
		ch <- err
	}
}

func (c *Client) write(msg string) error {
	if c.conn == nil || !c.session.Connected {
		log.Debug().Str("message", msg).Msg("Not connected, dropping message")
		return ErrNotConnected
	}

	log.Debug().Str("message", msg).Msg("Sending message to homee")
	if err := c.conn.WriteMessage([]byte(msg)); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		log.Warn().Err(err).Msg("Error sending message")
		c.publish(ErrorEvent{Err: terr})
		return terr
	}
	return nil
}
