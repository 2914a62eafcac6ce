// Package feed maintains the long-lived server-push connection carrying
// "order paid" events, with its own reconnect/backoff policy. The channel
// never surfaces a hard failure: worst case the watcher runs in
// pure-polling mode indefinitely.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"deliverywatch/internal/delivery"
	"deliverywatch/internal/eventbus"
	logx "deliverywatch/pkg/logx"
)

const (
	// Time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong/data message from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultMinBackoff = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Conn is the subset of *websocket.Conn the channel uses. Tests inject
// fakes; production injects gorilla connections via Dial.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens one connection to the delivery event stream.
type Dialer func(ctx context.Context) (Conn, error)

// WebsocketDialer returns a Dialer for the given stream endpoint.
func WebsocketDialer(streamURL string, header http.Header) Dialer {
	return func(ctx context.Context) (Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, resp, err := d.DialContext(ctx, streamURL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Intake admits decoded paid candidates into the alert queue.
// The returned bool reports whether the candidate passed dedup.
type Intake interface {
	SubmitPaid(ctx context.Context, a delivery.Alert) bool
}

// ReceiptPrinter is the best-effort side effect run for each admitted
// paid alert.
type ReceiptPrinter interface {
	PrintReceipt(ctx context.Context, orderID int64, payload delivery.Payload) error
}

type Config struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Channel owns one logical persistent connection to the event stream.
type Channel struct {
	cfg     Config
	dial    Dialer
	intake  Intake
	printer ReceiptPrinter
	bus     eventbus.Bus
	log     logx.Logger
	onState func(State)

	mu       sync.Mutex
	state    State
	attempt  int
	conn     Conn
	lastSeen time.Time

	// kick wakes a pending backoff wait early. Buffered so a recovery
	// signal arriving mid-dial is not lost.
	kick chan struct{}
}

type Option func(*Channel)

// WithOnState installs the state transition hook. It is invoked
// synchronously on every transition; keep it cheap.
func WithOnState(fn func(State)) Option {
	return func(c *Channel) { c.onState = fn }
}

func WithReceiptPrinter(p ReceiptPrinter) Option {
	return func(c *Channel) { c.printer = p }
}

func WithBus(bus eventbus.Bus) Option {
	return func(c *Channel) { c.bus = bus }
}

func New(cfg Config, dial Dialer, intake Intake, log logx.Logger, opts ...Option) *Channel {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Channel{
		cfg:    cfg,
		dial:   dial,
		intake: intake,
		log:    log,
		state:  StateDisconnected,
		kick:   make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Attempt returns the current backoff attempt counter.
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Run drives the connect/read/reconnect loop until ctx is canceled.
// It is intended to run under the runtime supervisor.
func (c *Channel) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("feed connect failed", logx.Err(err), logx.Int("attempt", c.Attempt()))
			if !c.waitRetry(ctx) {
				return ctx.Err()
			}
			continue
		}

		c.adopt(conn)
		c.log.Info("feed connected")

		err = c.readLoop(ctx, conn)
		c.dropConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("feed disconnected", logx.Err(err))
		if !c.waitRetry(ctx) {
			return ctx.Err()
		}
	}
}

// ForceReconnect bypasses any remaining backoff delay. It is a no-op
// while the channel is Connected; otherwise the pending (or next) wait
// returns immediately. This is the recovery path for long-degraded
// periods (network regained, operator kick).
func (c *Channel) ForceReconnect() {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Probe is the watchdog hook: it detects a silently-dead connection that
// never fired an error. A stale or unwritable connection is closed, which
// makes the read loop return and the normal reconnect path take over.
func (c *Channel) Probe(now time.Time) {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	last := c.lastSeen
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return
	}
	if now.Sub(last) > pongWait {
		c.log.Warn("feed silent too long, forcing reconnect", logx.Duration("silent", now.Sub(last)))
		c.setState(StateDegraded)
		_ = conn.Close()
		return
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, now.Add(writeWait)); err != nil {
		c.log.Warn("feed ping failed, forcing reconnect", logx.Err(err))
		c.setState(StateDegraded)
		_ = conn.Close()
	}
}

// Close force-closes the underlying connection (teardown path).
func (c *Channel) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) adopt(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.lastSeen = time.Now()
	c.mu.Unlock()
	// Drain a stale kick so it cannot short-circuit a future backoff.
	select {
	case <-c.kick:
	default:
	}
	c.setState(StateConnected)
}

func (c *Channel) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// waitRetry sleeps the current backoff delay, returning early on a
// recovery kick. Returns false when ctx is done. Exactly one such wait is
// pending at any time because it lives inside the single Run loop.
func (c *Channel) waitRetry(ctx context.Context) bool {
	c.mu.Lock()
	delay := backoffDelay(c.attempt, c.cfg.MinBackoff, c.cfg.MaxBackoff)
	c.attempt++
	c.mu.Unlock()
	c.setState(StateReconnecting)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-c.kick:
		c.log.Info("feed reconnect forced", logx.Duration("skipped", delay))
		return true
	}
}

// backoffDelay implements min(max, min<<n): 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
func backoffDelay(attempt int, minD, maxD time.Duration) time.Duration {
	d := minD
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	if d > maxD {
		return maxD
	}
	return d
}

// eventEnvelope is the stream frame wrapper. Older backend versions sent
// the order object bare, newer ones wrap it with a type tag.
type eventEnvelope struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Ping loop keeps intermediaries from timing out the idle stream.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()
		c.handleFrame(ctx, msg)
	}
}

// handleFrame parses one frame defensively. A malformed frame is dropped;
// the connection is never torn down because of it.
func (c *Channel) handleFrame(ctx context.Context, msg []byte) {
	payload := msg
	var env eventEnvelope
	if err := json.Unmarshal(msg, &env); err == nil {
		kind := env.Type
		if kind == "" {
			kind = env.Event
		}
		switch kind {
		case "", "order_paid":
			if len(env.Data) > 0 {
				payload = env.Data
			}
		default:
			// Heartbeats and unrelated event types.
			return
		}
	}

	alert, err := delivery.DecodeEvent(payload)
	if err != nil {
		if !errors.Is(err, delivery.ErrNoOrderID) {
			c.log.Debug("feed frame dropped", logx.Err(err))
		}
		return
	}

	if !c.intake.SubmitPaid(ctx, alert) {
		return
	}

	// Receipt printing is a best-effort side effect of an admitted paid
	// alert; failure is reported but never blocks the alert.
	if c.printer != nil {
		a := alert
		go func() {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if err := c.printer.PrintReceipt(pctx, a.OrderID, a.Payload); err != nil {
				c.log.Warn("receipt print failed", logx.Int64("order_id", a.OrderID), logx.Err(err))
				if c.bus != nil {
					c.bus.Publish(eventbus.Event{Type: eventbus.TypeReceiptFailed, Data: a.OrderID})
				}
			}
		}()
	}
}

func (c *Channel) setState(st State) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	c.state = st
	c.mu.Unlock()

	c.log.Debug("feed state", logx.String("state", st.String()))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeFeedState, Data: st.String()})
	}
	if c.onState != nil {
		c.onState(st)
	}
}
