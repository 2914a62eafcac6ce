package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deliverywatch/internal/delivery"
	"deliverywatch/internal/eventbus"
	logx "deliverywatch/pkg/logx"
)

type fakeIntake struct {
	mu     sync.Mutex
	ids    []int64
	reject bool
}

func (f *fakeIntake) SubmitPaid(_ context.Context, a delivery.Alert) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.ids = append(f.ids, a.OrderID)
	return true
}

func (f *fakeIntake) submitted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ids...)
}

// fakeConn feeds scripted frames to the read loop.
type fakeConn struct {
	frames chan []byte
	closed atomic.Bool

	pingErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.frames
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, msg, nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return c.pingErr }
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.frames)
	}
	return nil
}

func TestBackoffDelaySequence(t *testing.T) {
	t.Parallel()
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	prev := time.Duration(0)
	for attempt, w := range want {
		got := backoffDelay(attempt, time.Second, 30*time.Second)
		if got != w {
			t.Fatalf("backoffDelay(%d) = %v, want %v", attempt, got, w)
		}
		if got < prev {
			t.Fatalf("backoff not monotonic at attempt %d: %v < %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestHandleFrameSubmitsPaidEvents(t *testing.T) {
	t.Parallel()
	intake := &fakeIntake{}
	c := New(Config{}, nil, intake, logx.Nop())

	c.handleFrame(context.Background(), []byte(`{"order_id":501,"buyer_name":"Ana"}`))
	c.handleFrame(context.Background(), []byte(`{"type":"order_paid","data":{"order_id":502}}`))

	got := intake.submitted()
	if len(got) != 2 || got[0] != 501 || got[1] != 502 {
		t.Fatalf("submitted = %v, want [501 502]", got)
	}
}

func TestHandleFrameDropsMalformedAndForeign(t *testing.T) {
	t.Parallel()
	intake := &fakeIntake{}
	c := New(Config{}, nil, intake, logx.Nop())

	c.handleFrame(context.Background(), []byte(`garbage`))
	c.handleFrame(context.Background(), []byte(`{"no_id":true}`))
	c.handleFrame(context.Background(), []byte(`{"type":"heartbeat"}`))
	c.handleFrame(context.Background(), []byte(`{"type":"order_cancelled","data":{"order_id":9}}`))

	if got := intake.submitted(); len(got) != 0 {
		t.Fatalf("submitted = %v, want none", got)
	}
}

// Channel Reconnecting with a long pending backoff: a recovery kick makes
// the next attempt fire immediately instead of waiting out the delay.
func TestForceReconnectBypassesBackoff(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	dial := func(ctx context.Context) (Conn, error) {
		dials.Add(1)
		return nil, errors.New("refused")
	}
	c := New(Config{MinBackoff: time.Hour, MaxBackoff: time.Hour}, dial, &fakeIntake{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return dials.Load() == 1 && c.State() == StateReconnecting })

	c.ForceReconnect()
	waitFor(t, func() bool { return dials.Load() >= 2 })

	cancel()
	<-done
}

func TestForceReconnectIsNoopWhileConnected(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil, &fakeIntake{}, logx.Nop())
	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	c.ForceReconnect()

	select {
	case <-c.kick:
		t.Fatal("kick must not be queued while connected")
	default:
	}
}

func TestConnectedResetsAttemptCounter(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil, &fakeIntake{}, logx.Nop())
	c.mu.Lock()
	c.attempt = 5
	c.mu.Unlock()

	c.adopt(newFakeConn())

	if got := c.Attempt(); got != 0 {
		t.Fatalf("attempt = %d, want 0 after connect", got)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want %v", c.State(), StateConnected)
	}
}

func TestProbeClosesSilentConnection(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	c := New(Config{}, nil, &fakeIntake{}, logx.Nop())
	c.adopt(conn)

	c.mu.Lock()
	c.lastSeen = time.Now().Add(-2 * pongWait)
	c.mu.Unlock()

	c.Probe(time.Now())

	if !conn.closed.Load() {
		t.Fatal("silent connection should be closed by the watchdog")
	}
	if c.State() != StateDegraded {
		t.Fatalf("state = %v, want %v", c.State(), StateDegraded)
	}
}

func TestProbeClosesUnwritableConnection(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	conn.pingErr = errors.New("broken pipe")
	c := New(Config{}, nil, &fakeIntake{}, logx.Nop())
	c.adopt(conn)

	c.Probe(time.Now())

	if !conn.closed.Load() {
		t.Fatal("unwritable connection should be closed by the watchdog")
	}
}

func TestProbeIgnoresHealthyConnection(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	c := New(Config{}, nil, &fakeIntake{}, logx.Nop())
	c.adopt(conn)

	c.Probe(time.Now())

	if conn.closed.Load() {
		t.Fatal("healthy connection must not be closed")
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want %v", c.State(), StateConnected)
	}
}

type fakePrinter struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (f *fakePrinter) PrintReceipt(_ context.Context, orderID int64, _ delivery.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, orderID)
	return f.err
}

func (f *fakePrinter) printed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ids...)
}

func TestAdmittedPaidEventPrintsReceipt(t *testing.T) {
	t.Parallel()
	printer := &fakePrinter{}
	c := New(Config{}, nil, &fakeIntake{}, logx.Nop(), WithReceiptPrinter(printer))

	c.handleFrame(context.Background(), []byte(`{"order_id":501}`))

	waitFor(t, func() bool { return len(printer.printed()) == 1 })
	if got := printer.printed(); got[0] != 501 {
		t.Fatalf("printed = %v, want [501]", got)
	}
}

func TestRejectedCandidateSkipsReceipt(t *testing.T) {
	t.Parallel()
	printer := &fakePrinter{}
	c := New(Config{}, nil, &fakeIntake{reject: true}, logx.Nop(), WithReceiptPrinter(printer))

	c.handleFrame(context.Background(), []byte(`{"order_id":501}`))

	time.Sleep(20 * time.Millisecond)
	if got := printer.printed(); len(got) != 0 {
		t.Fatalf("printed = %v, want none", got)
	}
}

func TestReceiptFailureIsReportedNotFatal(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	printer := &fakePrinter{err: errors.New("printer jam")}
	intake := &fakeIntake{}
	c := New(Config{}, nil, intake, logx.Nop(), WithReceiptPrinter(printer), WithBus(bus))

	c.handleFrame(context.Background(), []byte(`{"order_id":502}`))

	select {
	case e := <-events:
		if e.Type != eventbus.TypeReceiptFailed || e.Data.(int64) != 502 {
			t.Fatalf("event = %+v, want receipt failure for 502", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receipt failure was not published")
	}
	// The alert itself was still admitted.
	if got := intake.submitted(); len(got) != 1 || got[0] != 502 {
		t.Fatalf("submitted = %v, want [502]", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
