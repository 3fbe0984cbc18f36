package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"k9notify/contracts/ws"
)

// Options configures a websocket Channel.
type Options struct {
	// URL of the notification endpoint, ws:// or wss://.
	URL string
	// Token is presented as a bearer credential during the handshake.
	Token string

	// Reconnect backoff. The delay doubles per consecutive failure
	// from MinBackoff up to MaxBackoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// MaxAttempts caps consecutive failed dials before the channel
	// gives up and closes its event stream. Zero means retry forever.
	MaxAttempts int

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.MinBackoff == 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Channel is a websocket-backed Transport. It dials on Start and keeps
// redialing after every loss until Close or the attempt budget runs out.
type Channel struct {
	opts   Options
	logger *zap.Logger

	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Transport = (*Channel)(nil)

func NewChannel(opts Options) *Channel {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:   opts,
		logger: opts.Logger,
		events: make(chan Event, 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *Channel) Events() <-chan Event {
	return c.events
}

// Start launches the connection manager. It returns immediately; the
// first successful dial shows up as a connected event.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	go c.run()
	return nil
}

// Send transmits one frame. It fails fast with ErrNotConnected while
// the channel is down; nothing is ever queued for later.
func (c *Channel) Send(event, ref string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := ws.NewFrame(event, ref, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	return nil
}

// Close tears the channel down and waits for the manager goroutine to
// finish. The events channel is closed afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	if started {
		<-c.done
	} else {
		close(c.events)
		close(c.done)
	}
	return nil
}

func (c *Channel) run() {
	defer close(c.events)
	defer close(c.done)

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			attempt++
			c.logger.Warn("notification channel dial failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if !c.waitBackoff(attempt) {
				return
			}
			continue
		}

		c.setConn(conn)
		attempt = 0
		c.emit(Event{Kind: EventConnected})

		err = c.readLoop(conn)
		c.setConn(nil)

		if c.ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
			return
		}

		c.logger.Warn("notification channel lost", zap.Error(err))
		c.emit(Event{Kind: EventDisconnected})

		attempt++
		if !c.waitBackoff(attempt) {
			return
		}
	}
}

func (c *Channel) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: c.opts.HTTPClient,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}

		var frame ws.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		c.emit(Event{Kind: frame.Event, Ref: frame.Ref, Data: frame.Data})
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// waitBackoff sleeps for the attempt's backoff delay. It returns false
// when the channel is shutting down or the attempt budget is spent.
func (c *Channel) waitBackoff(attempt int) bool {
	if c.opts.MaxAttempts > 0 && attempt >= c.opts.MaxAttempts {
		c.logger.Error("notification channel giving up",
			zap.Int("attempts", attempt),
		)
		return false
	}

	delay := c.opts.MinBackoff
	for i := 1; i < attempt && delay < c.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > c.opts.MaxBackoff {
		delay = c.opts.MaxBackoff
	}

	select {
	case <-time.After(delay):
		return true
	case <-c.ctx.Done():
		return false
	}
}
