package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-presence/internal/engine"
)

var ErrNotConnected = errors.New("event channel not connected")
var ErrBackpressure = errors.New("event channel outbox full")
var ErrClosed = errors.New("event channel closed")

type Options struct {
	URL    string
	Header http.Header

	// Reconnect policy: exponential backoff from BaseDelay, capped at
	// MaxDelay, giving up after MaxAttempts consecutive failures.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	WriteTimeout time.Duration
	FlushTimeout time.Duration

	Logger     *zap.Logger
	HTTPClient *http.Client
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 8 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Client is the event channel to the room coordination server. One Client
// belongs to one room entry; it never rejoins a room by itself, it only
// restores the transport and reports state changes.
type Client struct {
	opts Options
	log  *zap.Logger

	events chan engine.Event
	states chan engine.ConnState
	outbox chan []byte

	pending atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewClient(opts Options) *Client {
	opts.defaults()
	return &Client{
		opts:   opts,
		log:    opts.Logger.With(zap.String("component", "ws.client")),
		events: make(chan engine.Event, 64),
		states: make(chan engine.ConnState, 16),
		outbox: make(chan []byte, 32),
	}
}

func (c *Client) Events() <-chan engine.Event    { return c.events }
func (c *Client) States() <-chan engine.ConnState { return c.states }

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect establishes the connection, or reuses the live one. It returns once
// the first dial succeeded or the reconnect budget is spent.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		live := c.conn != nil
		c.mu.Unlock()
		if live {
			return nil
		}
		return ErrNotConnected
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	first := make(chan error, 1)
	c.mu.Unlock()

	go c.run(runCtx, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues a command. Delivery is not acknowledged; the server answers
// through the normal event stream.
func (c *Client) Send(cmd engine.Command) error {
	payload, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	select {
	case c.outbox <- payload:
		c.pending.Add(1)
		return nil
	default:
		return ErrBackpressure
	}
}

// Close flushes queued commands for at most FlushTimeout, then closes the
// connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	running, cancel, done := c.running, c.cancel, c.done
	c.mu.Unlock()

	if !running {
		return nil
	}
	deadline := time.Now().Add(c.opts.FlushTimeout)
	for c.pending.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	return nil
}

func (c *Client) run(ctx context.Context, first chan<- error) {
	defer func() {
		c.mu.Lock()
		c.running = false
		close(c.done)
		c.mu.Unlock()
	}()

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	attempt := 0
	for {
		conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
			HTTPHeader: c.opts.Header,
			HTTPClient: c.opts.HTTPClient,
		})
		if err != nil {
			if ctx.Err() != nil {
				report(ErrClosed)
				c.emit(ctx, engine.ConnClosed)
				return
			}
			attempt++
			c.log.Warn("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			if attempt >= c.opts.MaxAttempts {
				report(err)
				c.emitFinal(engine.ConnFailed)
				return
			}
			c.emit(ctx, engine.ConnReconnecting)
			if !sleep(ctx, backoff(attempt, c.opts.BaseDelay, c.opts.MaxDelay)) {
				report(ErrClosed)
				c.emitFinal(engine.ConnClosed)
				return
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info("connected", zap.String("url", c.opts.URL))
		c.emit(ctx, engine.ConnConnected)
		report(nil)

		err = c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.drainOutbox()

		if ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			c.emitFinal(engine.ConnClosed)
			return
		}
		c.log.Warn("connection lost", zap.Error(err))
		_ = conn.CloseNow()
		c.emit(ctx, engine.ConnReconnecting)
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer goroutine
	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-connCtx.Done():
				writeErr <- connCtx.Err()
				return
			case payload := <-c.outbox:
				wctx, wcancel := context.WithTimeout(connCtx, c.opts.WriteTimeout)
				err := conn.Write(wctx, websocket.MessageText, payload)
				wcancel()
				c.pending.Add(-1)
				if err != nil {
					writeErr <- err
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			cancel()
			if werr := <-writeErr; werr != nil && !errors.Is(werr, context.Canceled) {
				return werr
			}
			return err
		}
		ev, err := decodeEvent(data)
		if err != nil {
			c.log.Debug("dropping server message", zap.Error(err))
			continue
		}
		select {
		case c.events <- ev:
		case <-connCtx.Done():
		}
	}
}

func (c *Client) drainOutbox() {
	for {
		select {
		case <-c.outbox:
			c.pending.Add(-1)
		default:
			return
		}
	}
}

func (c *Client) emit(ctx context.Context, s engine.ConnState) {
	select {
	case c.states <- s:
	case <-ctx.Done():
	}
}

// emitFinal reports a terminal state without blocking on a reader that may
// already be gone.
func (c *Client) emitFinal(s engine.ConnState) {
	select {
	case c.states <- s:
	default:
	}
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
