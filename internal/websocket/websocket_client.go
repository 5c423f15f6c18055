// Package websocket provides a resilient streaming client for exchange trade feeds.
//
// A Client holds one logical connection to a feed endpoint. It parses every
// inbound frame into trade events with a pluggable Parser, hands them to a
// bounded channel, and keeps the connection alive across transport failures
// with exponential backoff. An idle connection is probed with a ping and torn
// down if the probe goes unanswered.
//
// Lifecycle:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected ...
//	any state -> Closed (terminal, via Stop)
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickbars/internal/model"
)

const (
	// defaultIdleTimeout is how long the connection may stay silent before a ping probe is sent.
	defaultIdleTimeout = 30 * time.Second

	// defaultProbeTimeout is how long to wait for any frame after a probe before declaring the connection lost.
	defaultProbeTimeout = 10 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second

	defaultReconnectBase = 5 * time.Second
	defaultReconnectMax  = 60 * time.Second
	defaultQueueSize     = 1000

	// stopTimeout bounds how long Stop waits for the run goroutine.
	stopTimeout = 5 * time.Second

	// summaryEvery controls how often a throughput summary is logged.
	summaryEvery = 1000
)

var (
	// ErrClientClosed is returned by Start once Stop has been called.
	ErrClientClosed = errors.New("client is closed")

	// ErrAlreadyStarted is returned by Start when the client is not Disconnected.
	ErrAlreadyStarted = errors.New("client already started")

	// ErrInvalidConfig indicates a Config that cannot be used.
	ErrInvalidConfig = errors.New("invalid stream config")
)

// OverflowPolicy selects what happens when the trade queue is full.
type OverflowPolicy int

const (
	// OverflowBlock makes the receive loop wait for queue space, pushing back on the socket.
	OverflowBlock OverflowPolicy = iota

	// OverflowDropOldest discards the oldest queued event to make room and counts it as dropped.
	OverflowDropOldest
)

// ParseOverflowPolicy maps "block" and "drop_oldest" to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "block":
		return OverflowBlock, nil
	case "drop_oldest":
		return OverflowDropOldest, nil
	default:
		return OverflowBlock, fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidConfig, s)
	}
}

// Parser converts one raw frame into zero or more trade events. Returning
// (nil, nil) marks a frame that is not a trade, such as a subscription ack.
type Parser func(raw []byte) ([]model.TradeEvent, error)

// Config defines settings for the stream client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Parser decodes frames into trade events.
	// Required: This field must be provided and non-nil.
	Parser Parser

	// SubscriptionMessages are sent after every successful handshake.
	SubscriptionMessages [][]byte

	// TLSInsecureSkip disables TLS certificate verification for the default dialer.
	TLSInsecureSkip bool

	// SendTimeout is the maximum time allowed for a write.
	SendTimeout time.Duration

	// IdleTimeout is the silence after which a liveness ping is sent.
	IdleTimeout time.Duration

	// ProbeTimeout is how long a ping may go unanswered.
	ProbeTimeout time.Duration

	// ReconnectBase and ReconnectMax shape the exponential backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// QueueSize is the capacity of the Trades channel.
	QueueSize int

	// Overflow selects the behaviour when the Trades channel is full.
	Overflow OverflowPolicy

	// Dialer replaces the gorilla dialer, mainly for tests.
	Dialer Dialer

	// OnStateChange is invoked synchronously on every state transition.
	OnStateChange func(from, to State)
}

func (cfg *Config) applyDefaults() {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer{TLSInsecureSkip: cfg.TLSInsecureSkip}
	}
}

// Stats is a point-in-time snapshot of client counters.
type Stats struct {
	State             State
	MessagesReceived  int64
	TradesProcessed   int64
	ParseErrors       int64
	Dropped           int64
	ReconnectAttempts int64
	LastMessageAt     time.Time
}

// Client is a single resilient feed connection.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	state   atomic.Int32
	stateMu sync.Mutex

	connMu sync.Mutex
	conn   Conn

	trades     chan model.TradeEvent
	tradesOnce sync.Once
	running    bool // run goroutine launched; guarded by stateMu

	backoff Backoff

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup

	received    atomic.Int64
	processed   atomic.Int64
	parseErrors atomic.Int64
	dropped     atomic.Int64
	reconnects  atomic.Int64
	lastMessage atomic.Int64 // unix nanos of last data frame
	lastFrame   atomic.Int64 // unix nanos of last frame of any kind
}

// New validates cfg and returns a Disconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint URL is required", ErrInvalidConfig)
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("%w: parser is required", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	if cfg.ReconnectBase > cfg.ReconnectMax {
		return nil, fmt.Errorf("%w: reconnect base %s exceeds max %s", ErrInvalidConfig, cfg.ReconnectBase, cfg.ReconnectMax)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:     cfg,
		logger:  log.With().Str("component", "stream").Str("endpoint", cfg.Endpoint).Logger(),
		trades:  make(chan model.TradeEvent, cfg.QueueSize),
		backoff: Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax},
		ctx:     ctx,
		cancel:  cancel,
	}
	c.state.Store(int32(StateDisconnected))
	return c, nil
}

// Trades returns the channel parsed events are delivered on. It is closed
// once the client is stopped and its receive loop has exited.
func (c *Client) Trades() <-chan model.TradeEvent {
	return c.trades
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	s := Stats{
		State:             c.State(),
		MessagesReceived:  c.received.Load(),
		TradesProcessed:   c.processed.Load(),
		ParseErrors:       c.parseErrors.Load(),
		Dropped:           c.dropped.Load(),
		ReconnectAttempts: c.reconnects.Load(),
	}
	if ns := c.lastMessage.Load(); ns > 0 {
		s.LastMessageAt = time.Unix(0, ns)
	}
	return s
}

// Start performs the initial handshake. On failure the client returns to
// Disconnected and the error is handed back; Start does not retry. On success
// the receive loop runs until Stop, reconnecting on its own as needed.
func (c *Client) Start(ctx context.Context) error {
	if c.State() == StateClosed {
		return ErrClientClosed
	}
	if !c.transition(StateConnecting) {
		if c.State() == StateClosed {
			return ErrClientClosed
		}
		return ErrAlreadyStarted
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	conn, err := c.connect(dialCtx)
	if err != nil {
		if !c.transition(StateDisconnected) {
			return ErrClientClosed
		}
		return fmt.Errorf("connect %s: %w", c.cfg.Endpoint, err)
	}

	if !c.launch(conn) {
		c.closeConn(conn)
		return ErrClientClosed
	}
	return nil
}

// launch moves to Connected and starts the run goroutine as one step under
// stateMu, so Stop either sees no run goroutine or waits for it.
func (c *Client) launch(conn Conn) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if !c.transitionLocked(StateConnected) {
		return false
	}
	c.running = true
	c.wg.Add(1)
	go c.run(conn)
	return true
}

// Stop closes the client from any state. It is idempotent and blocks until the
// receive loop exits or a bounded timeout elapses.
func (c *Client) Stop() {
	c.once.Do(func() {
		c.logger.Info().Msg("initiating graceful shutdown")

		c.stateMu.Lock()
		c.transitionLocked(StateClosed)
		running := c.running
		c.stateMu.Unlock()
		c.cancel()

		if conn := c.currentConn(); conn != nil {
			if err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send close frame")
			}
			c.closeConn(conn)
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info().Msg("all goroutines completed")
		case <-time.After(stopTimeout):
			c.logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		// a launched run goroutine closes trades on exit
		if !running {
			c.closeTrades()
		}

		c.logger.Info().Msg("shutdown complete")
	})
}

// transition and transitionLocked are the only places the state changes.
func (c *Client) transition(to State) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.transitionLocked(to)
}

// transitionLocked expects stateMu held.
func (c *Client) transitionLocked(to State) bool {
	from := State(c.state.Load())
	if !CanTransition(from, to) {
		c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state transition rejected")
		return false
	}
	c.state.Store(int32(to))

	c.logger.Info().Stringer("from", from).Stringer("to", to).Msg("state changed")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
	return true
}

// connect dials and sends the subscription messages.
func (c *Client) connect(ctx context.Context) (Conn, error) {
	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	for _, msg := range c.cfg.SubscriptionMessages {
		if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
			c.closeConn(conn)
			return nil, fmt.Errorf("set write deadline: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.closeConn(conn)
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return conn, nil
}

func (c *Client) currentConn() Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) closeConn(conn Conn) {
	if err := conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("error closing websocket connection")
	}
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) closeTrades() {
	c.tradesOnce.Do(func() { close(c.trades) })
}

// run owns the connection for the lifetime of the client.
func (c *Client) run(conn Conn) {
	defer c.wg.Done()
	defer c.closeTrades()

	for {
		err := c.session(conn)
		c.closeConn(conn)

		if c.ctx.Err() != nil {
			return
		}

		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Info().Err(err).Msg("websocket closed by peer")
		} else {
			c.logger.Warn().Err(err).Msg("connection lost")
		}

		if !c.transition(StateReconnecting) {
			return
		}
		if conn = c.reconnect(); conn == nil {
			return
		}
	}
}

// reconnect retries with exponential backoff until it connects or the client stops.
func (c *Client) reconnect() Conn {
	for {
		delay := c.backoff.Next()
		attempt := c.reconnects.Add(1)
		c.logger.Info().Int64("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := c.connect(c.ctx)
		if err == nil {
			c.backoff.Reset()
			if !c.transition(StateConnected) {
				c.closeConn(conn)
				return nil
			}
			return conn
		}

		c.logger.Warn().Err(err).Int64("attempt", attempt).Msg("reconnect failed")
		if !c.transition(StateReconnecting) {
			return nil
		}
	}
}

// session reads frames until the connection fails. A probe goroutine pings
// the peer when it goes quiet; the read deadline expires if nothing answers.
func (c *Client) session(conn Conn) error {
	c.touch()
	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		c.touch()
		return conn.SetReadDeadline(c.readDeadline())
	})
	if err := conn.SetReadDeadline(c.readDeadline()); err != nil {
		return err
	}

	probeCtx, cancelProbe := context.WithCancel(c.ctx)
	probeDone := make(chan struct{})
	go func() {
		defer close(probeDone)
		c.probeLoop(probeCtx, conn)
	}()
	defer func() {
		cancelProbe()
		<-probeDone
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()
		if err := conn.SetReadDeadline(c.readDeadline()); err != nil {
			return err
		}
		c.handle(data)
	}
}

func (c *Client) readDeadline() time.Time {
	return time.Now().Add(c.cfg.IdleTimeout + c.cfg.ProbeTimeout)
}

func (c *Client) touch() {
	c.lastFrame.Store(time.Now().UnixNano())
}

// probeLoop sends a ping once per idle period of silence.
func (c *Client) probeLoop(ctx context.Context, conn Conn) {
	interval := c.cfg.IdleTimeout / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var probedAt int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := c.lastFrame.Load()
			if time.Since(time.Unix(0, last)) < c.cfg.IdleTimeout || probedAt == last {
				continue
			}
			probedAt = last

			c.logger.Debug().Msg("connection idle, sending ping probe")
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.SendTimeout))
			if err != nil {
				c.logger.Warn().Err(err).Msg("ping probe failed")
				// unblock the reader so the session ends
				_ = conn.Close()
				return
			}
		}
	}
}

// handle parses one frame and delivers its events.
func (c *Client) handle(data []byte) {
	now := time.Now()
	c.received.Add(1)
	c.lastMessage.Store(now.UnixNano())

	events, err := c.parse(data)
	if err != nil {
		c.parseErrors.Add(1)
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping unparseable message")
		return
	}

	for _, ev := range events {
		if ev.IngestTime.IsZero() {
			ev.IngestTime = now
		}
		if !c.deliver(ev) {
			return
		}
	}
}

// parse calls the parser, converting a panic into an error.
func (c *Client) parse(data []byte) (events []model.TradeEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in parser: %v", r)
		}
	}()
	return c.cfg.Parser(data)
}

// deliver pushes ev to the trades channel according to the overflow policy.
// It returns false if the client stopped while waiting.
func (c *Client) deliver(ev model.TradeEvent) bool {
	switch c.cfg.Overflow {
	case OverflowDropOldest:
		for {
			select {
			case c.trades <- ev:
				c.markProcessed()
				return true
			default:
			}
			select {
			case <-c.trades:
				c.dropped.Add(1)
			default:
			}
		}
	default:
		select {
		case c.trades <- ev:
			c.markProcessed()
			return true
		case <-c.ctx.Done():
			return false
		}
	}
}

func (c *Client) markProcessed() {
	n := c.processed.Add(1)
	if n%summaryEvery == 0 {
		c.logger.Info().
			Int64("processed", n).
			Int64("received", c.received.Load()).
			Int64("parseErrors", c.parseErrors.Load()).
			Int64("dropped", c.dropped.Load()).
			Msg("stream summary")
	}
}
