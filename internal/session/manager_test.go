package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/autopeer-io/mqttconsole/internal/eventlog"
	"github.com/autopeer-io/mqttconsole/internal/payload"
	"github.com/autopeer-io/mqttconsole/internal/pkg/metrics"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
)

type published struct {
	topic   string
	qos     byte
	payload string
}

type fakeConn struct {
	cfg  mqtt.ConnectionConfig
	emit mqtt.EmitFunc

	mu            sync.Mutex
	subscribed    []string
	unsubscribed  []string
	published     []published
	closed        bool
	failSubscribe error
	failPublish   error
}

func (c *fakeConn) Subscribe(filter string, qos byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSubscribe != nil {
		return c.failSubscribe
	}
	c.subscribed = append(c.subscribed, filter)
	return nil
}

func (c *fakeConn) Unsubscribe(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, filter)
	return nil
}

func (c *fakeConn) Publish(topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPublish != nil {
		return c.failPublish
	}
	c.published = append(c.published, published{topic, qos, string(payload)})
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

func (c *fakeConn) publishes() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Open(cfg mqtt.ConnectionConfig, emit mqtt.EmitFunc) mqtt.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{cfg: cfg, emit: emit}
	d.conns = append(d.conns, c)
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func startManager(t *testing.T, opts ...Option) (*Manager, *fakeDialer, context.CancelFunc) {
	t.Helper()

	d := &fakeDialer{}
	m, err := NewManager(d, nil, append([]Option{WithTopics()}, opts...)...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return m, d, stop
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func snapshot(t *testing.T, m *Manager) Snapshot {
	t.Helper()
	s, err := m.Snapshot(testContext(t))
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return s
}

func localConfig() mqtt.ConnectionConfig {
	cfg := mqtt.DefaultConnectionConfig()
	cfg.Host = "localhost"
	return cfg
}

// connected drives a manager to Connected and returns the live connection.
func connected(t *testing.T, m *Manager, d *fakeDialer) *fakeConn {
	t.Helper()
	if err := m.Connect(testContext(t), localConfig()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c := d.last()
	c.emit(mqtt.Opened{})
	if s := snapshot(t, m); s.State != StateConnected {
		t.Fatalf("State = %s, want Connected", s.State)
	}
	return c
}

func lastEntry(t *testing.T, s Snapshot) eventlog.Record {
	t.Helper()
	if len(s.Entries) == 0 {
		t.Fatal("log is empty")
	}
	return s.Entries[len(s.Entries)-1]
}

func countKind(s Snapshot, k eventlog.Kind) int {
	n := 0
	for _, e := range s.Entries {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func TestConnectPassesThroughConnecting(t *testing.T) {
	m, d, _ := startManager(t, WithTopics("sensor/temperature", "control/led"))
	ctx := testContext(t)

	if s := snapshot(t, m); s.State != StateDisconnected {
		t.Fatalf("initial State = %s, want Disconnected", s.State)
	}

	if err := m.Connect(ctx, localConfig()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := snapshot(t, m)
	if s.State != StateConnecting {
		t.Fatalf("State after Connect = %s, want Connecting", s.State)
	}
	if s.BrokerURL != "ws://localhost:8083/mqtt" {
		t.Errorf("BrokerURL = %q", s.BrokerURL)
	}
	if !strings.HasPrefix(s.ClientID, "mqttconsole-") {
		t.Errorf("ClientID = %q, want generated id", s.ClientID)
	}

	c := d.last()
	if c.cfg.ClientID != s.ClientID {
		t.Errorf("dialer got client id %q, snapshot shows %q", c.cfg.ClientID, s.ClientID)
	}
	c.emit(mqtt.Opened{})

	s = snapshot(t, m)
	if s.State != StateConnected {
		t.Fatalf("State after Opened = %s, want Connected", s.State)
	}
	if got := c.subscriptions(); fmt.Sprint(got) != "[sensor/temperature control/led]" {
		t.Errorf("resubscribed %v", got)
	}
	if e := lastEntry(t, s); e.Kind != eventlog.KindSystem || e.Message != msgConnected {
		t.Errorf("last entry = %+v, want System %q", e, msgConnected)
	}
}

func TestConnectInvalidConfig(t *testing.T) {
	m, d, _ := startManager(t)

	cfg := localConfig()
	cfg.Port = 0
	err := m.Connect(testContext(t), cfg)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Connect() error = %v, want ErrInvalidConfig", err)
	}

	s := snapshot(t, m)
	if s.State != StateDisconnected {
		t.Errorf("State = %s, want Disconnected", s.State)
	}
	if d.count() != 0 {
		t.Errorf("dialer opened %d connections, want 0", d.count())
	}
	e := lastEntry(t, s)
	if e.Kind != eventlog.KindError || !strings.HasPrefix(e.Message, "Invalid connection config: ") {
		t.Errorf("last entry = %+v", e)
	}
	if strings.Contains(e.Message, "invalid connection config") {
		t.Errorf("message repeats the sentinel: %q", e.Message)
	}
}

func TestInvalidConfigKeepsLiveConnection(t *testing.T) {
	m, d, _ := startManager(t)
	c := connected(t, m, d)

	cfg := localConfig()
	cfg.QoS = 7
	if err := m.Connect(testContext(t), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Connect() error = %v, want ErrInvalidConfig", err)
	}
	if s := snapshot(t, m); s.State != StateConnected {
		t.Errorf("State = %s, want Connected", s.State)
	}
	if c.isClosed() {
		t.Error("live connection was closed by a rejected config")
	}
}

func TestOpenFailed(t *testing.T) {
	m, d, _ := startManager(t)
	if err := m.Connect(testContext(t), localConfig()); err != nil {
		t.Fatal(err)
	}
	d.last().emit(mqtt.OpenFailed{Err: errors.New("connection refused")})

	s := snapshot(t, m)
	if s.State != StateFailed {
		t.Fatalf("State = %s, want Failed", s.State)
	}
	if e := lastEntry(t, s); e.Kind != eventlog.KindError || e.Message != "Connection failed: connection refused" {
		t.Errorf("last entry = %+v", e)
	}
	if !errors.Is(s.Err, ErrTransportOpen) {
		t.Errorf("Err = %v, want ErrTransportOpen", s.Err)
	}

	// a fresh attempt from Failed is allowed and clears the error
	if err := m.Connect(testContext(t), localConfig()); err != nil {
		t.Fatalf("Connect() from Failed error = %v", err)
	}
	if s := snapshot(t, m); s.State != StateConnecting || s.Err != nil {
		t.Errorf("after retry State = %s, Err = %v", s.State, s.Err)
	}
}

func TestConnectionLostDoesNotReconnect(t *testing.T) {
	m, d, _ := startManager(t)
	c := connected(t, m, d)

	c.emit(mqtt.ConnectionLost{Err: errors.New("EOF")})

	s := snapshot(t, m)
	if s.State != StateDisconnected {
		t.Fatalf("State = %s, want Disconnected", s.State)
	}
	if e := lastEntry(t, s); e.Kind != eventlog.KindError || e.Message != "Connection lost: EOF" {
		t.Errorf("last entry = %+v", e)
	}
	if !errors.Is(s.Err, ErrTransportLost) {
		t.Errorf("Err = %v, want ErrTransportLost", s.Err)
	}
	if d.count() != 1 {
		t.Errorf("dialer opened %d connections, want 1", d.count())
	}
}

func TestSupersededConnectIsIgnored(t *testing.T) {
	m, d, _ := startManager(t)
	ctx := testContext(t)
	before := testutil.ToFloat64(metrics.StaleEvents)

	if err := m.Connect(ctx, localConfig()); err != nil {
		t.Fatal(err)
	}
	first := d.last()
	if err := m.Connect(ctx, localConfig()); err != nil {
		t.Fatal(err)
	}
	second := d.last()

	if !first.isClosed() {
		t.Error("superseded connection was not closed")
	}

	first.emit(mqtt.Opened{})
	first.emit(mqtt.MessageArrived{Topic: "t", Payload: []byte("1")})
	first.emit(mqtt.OpenFailed{Err: errors.New("late")})

	s := snapshot(t, m)
	if s.State != StateConnecting {
		t.Fatalf("State = %s, want Connecting", s.State)
	}
	if len(s.Entries) != 0 {
		t.Errorf("stale events produced entries: %+v", s.Entries)
	}
	if got := testutil.ToFloat64(metrics.StaleEvents) - before; got != 3 {
		t.Errorf("stale events counted = %v, want 3", got)
	}

	second.emit(mqtt.Opened{})
	if s := snapshot(t, m); s.State != StateConnected {
		t.Errorf("State = %s, want Connected", s.State)
	}
}

func TestDisconnect(t *testing.T) {
	m, d, _ := startManager(t)
	ctx := testContext(t)

	// nothing to close
	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() while Disconnected error = %v", err)
	}
	if s := snapshot(t, m); len(s.Entries) != 0 {
		t.Errorf("no-op Disconnect logged %+v", s.Entries)
	}

	c := connected(t, m, d)
	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	s := snapshot(t, m)
	if s.State != StateDisconnected {
		t.Errorf("State = %s, want Disconnected", s.State)
	}
	if !c.isClosed() {
		t.Error("connection not closed")
	}
	if e := lastEntry(t, s); e.Kind != eventlog.KindSystem || e.Message != msgDisconnected {
		t.Errorf("last entry = %+v", e)
	}

	// late loss from the closed connection is ignored
	c.emit(mqtt.ConnectionLost{Err: errors.New("EOF")})
	if got := snapshot(t, m); len(got.Entries) != len(s.Entries) {
		t.Errorf("event after disconnect logged %+v", lastEntry(t, got))
	}
}

func TestDisconnectCancelsPendingAttempt(t *testing.T) {
	m, d, _ := startManager(t)
	ctx := testContext(t)

	if err := m.Connect(ctx, localConfig()); err != nil {
		t.Fatal(err)
	}
	c := d.last()
	if err := m.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	s := snapshot(t, m)
	if s.State != StateDisconnected {
		t.Errorf("State = %s, want Disconnected", s.State)
	}
	if e := lastEntry(t, s); e.Message != msgCancelled {
		t.Errorf("last entry = %+v", e)
	}

	c.emit(mqtt.Opened{})
	if s := snapshot(t, m); s.State != StateDisconnected {
		t.Errorf("State after late Opened = %s, want Disconnected", s.State)
	}
}

func TestSubscribe(t *testing.T) {
	m, d, _ := startManager(t)
	ctx := testContext(t)

	if err := m.Subscribe(ctx, "a/b"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Subscribe() while Disconnected error = %v, want ErrNotConnected", err)
	}
	if e := lastEntry(t, snapshot(t, m)); e.Kind != eventlog.KindError || e.Message != msgNotConnected {
		t.Errorf("last entry = %+v", e)
	}

	c := connected(t, m, d)
	for i := 0; i < 2; i++ {
		if err := m.Subscribe(ctx, "a/b"); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	s := snapshot(t, m)
	if fmt.Sprint(s.Subscriptions) != "[a/b]" {
		t.Errorf("Subscriptions = %v, want [a/b]", s.Subscriptions)
	}
	n := 0
	for _, e := range s.Entries {
		if e.Kind == eventlog.KindSystem && e.Message == "Subscribed to a/b" {
			n++
		}
	}
	if n != 2 {
		t.Errorf("logged %d subscribe entries, want 2", n)
	}
	if got := c.subscriptions(); len(got) != 2 {
		t.Errorf("transport subscribe called %d times, want 2", len(got))
	}

	if err := m.Subscribe(ctx, "a/#/b"); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(invalid) error = %v, want ErrInvalidTopic", err)
	}

	c.mu.Lock()
	c.failSubscribe = mqtt.ErrQueueFull
	c.mu.Unlock()
	if err := m.Subscribe(ctx, "c/d"); !errors.Is(err, mqtt.ErrQueueFull) {
		t.Errorf("Subscribe() with transport error = %v", err)
	}
	if s := snapshot(t, m); fmt.Sprint(s.Subscriptions) != "[a/b]" {
		t.Errorf("Subscriptions after failure = %v", s.Subscriptions)
	}
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	m, d, _ := startManager(t)
	ctx := testContext(t)

	c := connected(t, m, d)
	if err := m.Subscribe(ctx, "x/+"); err != nil {
		t.Fatal(err)
	}
	c.emit(mqtt.ConnectionLost{Err: errors.New("EOF")})

	next := connected(t, m, d)
	if got := next.subscriptions(); fmt.Sprint(got) != "[x/+]" {
		t.Errorf("resubscribed %v, want [x/+]", got)
	}
}

func TestAsyncSubscribeFailure(t *testing.T) {
	m, d, _ := startManager(t)
	c := connected(t, m, d)

	if err := m.Subscribe(testContext(t), "a/b"); err != nil {
		t.Fatal(err)
	}
	c.emit(mqtt.OperationFailed{Op: mqtt.OpSubscribe, Topic: "a/b", Err: errors.New("not authorized")})

	s := snapshot(t, m)
	if len(s.Subscriptions) != 0 {
		t.Errorf("Subscriptions = %v, want empty", s.Subscriptions)
	}
	if e := lastEntry(t, s); e.Message != "Subscribe to a/b failed: not authorized" {
		t.Errorf("last entry = %+v", e)
	}
}

func TestUnsubscribe(t *testing.T) {
	m, d, _ := startManager(t, WithTopics("a/b", "c/d"))
	ctx := testContext(t)
	c := connected(t, m, d)

	if err := m.Unsubscribe(ctx, "a/b"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	s := snapshot(t, m)
	if fmt.Sprint(s.Subscriptions) != "[c/d]" {
		t.Errorf("Subscriptions = %v", s.Subscriptions)
	}
	if e := lastEntry(t, s); e.Message != "Unsubscribed from a/b" {
		t.Errorf("last entry = %+v", e)
	}
	if fmt.Sprint(c.unsubscribed) != "[a/b]" {
		t.Errorf("transport unsubscribed %v", c.unsubscribed)
	}

	if err := m.Unsubscribe(ctx, "a/b"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("second Unsubscribe() error = %v, want ErrNotSubscribed", err)
	}
}

func TestPublish(t *testing.T) {
	m, d, _ := startManager(t)
	ctx := testContext(t)

	if err := m.Publish(ctx, "control/led", "on", payload.KindText); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() while Disconnected error = %v, want ErrNotConnected", err)
	}

	c := connected(t, m, d)

	t.Run("json is canonicalized", func(t *testing.T) {
		if err := m.Publish(ctx, "control/led", `{ "a" : 1 }`, payload.KindJSON); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		e := lastEntry(t, snapshot(t, m))
		if e.Kind != eventlog.KindSent || e.Topic != "control/led" || e.Payload != `{"a":1}` {
			t.Errorf("last entry = %+v", e)
		}
		pubs := c.publishes()
		if got := pubs[len(pubs)-1]; got.payload != `{"a":1}` || got.topic != "control/led" {
			t.Errorf("transport published %+v", got)
		}
	})

	t.Run("invalid json fails closed", func(t *testing.T) {
		before := snapshot(t, m)
		sent := len(c.publishes())

		err := m.Publish(ctx, "control/led", `{a:1`, payload.KindJSON)
		if !errors.Is(err, ErrPayloadInvalid) {
			t.Fatalf("Publish() error = %v, want ErrPayloadInvalid", err)
		}

		after := snapshot(t, m)
		if len(after.Entries)-len(before.Entries) != 1 {
			t.Fatalf("added %d entries, want 1", len(after.Entries)-len(before.Entries))
		}
		if e := lastEntry(t, after); e.Kind != eventlog.KindError {
			t.Errorf("last entry = %+v, want Error", e)
		}
		if countKind(after, eventlog.KindSent) != countKind(before, eventlog.KindSent) {
			t.Error("Sent entry logged for invalid payload")
		}
		if len(c.publishes()) != sent {
			t.Error("transport called for invalid payload")
		}
	})

	t.Run("text is verbatim", func(t *testing.T) {
		if err := m.Publish(ctx, "control/led", " {raw ", payload.KindText); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		if e := lastEntry(t, snapshot(t, m)); e.Payload != " {raw " {
			t.Errorf("payload = %q", e.Payload)
		}
	})

	t.Run("empty topic", func(t *testing.T) {
		if err := m.Publish(ctx, "", "1", payload.KindText); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Publish() error = %v, want ErrNotConnected", err)
		}
		if e := lastEntry(t, snapshot(t, m)); e.Message != msgNoTopic {
			t.Errorf("last entry = %+v", e)
		}
	})

	t.Run("wildcard topic", func(t *testing.T) {
		if err := m.Publish(ctx, "control/+", "1", payload.KindText); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("Publish() error = %v, want ErrInvalidTopic", err)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		sent := len(c.publishes())
		err := m.Publish(ctx, "control/led", "on", payload.Kind("xml"))
		if !errors.Is(err, payload.ErrUnknownKind) {
			t.Fatalf("Publish() error = %v, want ErrUnknownKind", err)
		}
		if errors.Is(err, ErrPayloadInvalid) {
			t.Errorf("Publish() error = %v, reported as an invalid payload", err)
		}
		e := lastEntry(t, snapshot(t, m))
		if e.Kind != eventlog.KindError || strings.Contains(e.Message, "JSON") || !strings.Contains(e.Message, "unknown payload kind") {
			t.Errorf("last entry = %+v", e)
		}
		if len(c.publishes()) != sent {
			t.Error("transport called for unknown kind")
		}
	})

	t.Run("transport rejection", func(t *testing.T) {
		c.mu.Lock()
		c.failPublish = mqtt.ErrClosed
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.failPublish = nil
			c.mu.Unlock()
		}()

		before := snapshot(t, m)
		if err := m.Publish(ctx, "control/led", "on", payload.KindText); !errors.Is(err, mqtt.ErrClosed) {
			t.Fatalf("Publish() error = %v", err)
		}
		after := snapshot(t, m)
		if e := lastEntry(t, after); e.Kind != eventlog.KindError {
			t.Errorf("last entry = %+v, want Error", e)
		}
		if countKind(after, eventlog.KindSent) != countKind(before, eventlog.KindSent) {
			t.Error("Sent entry logged for rejected publish")
		}
	})
}

func TestSeriesForSelectedTopic(t *testing.T) {
	m, d, _ := startManager(t, WithSelectedTopic("t"))
	c := connected(t, m, d)

	for _, p := range []string{"12.5", "abc", "7"} {
		c.emit(mqtt.MessageArrived{Topic: "t", Payload: []byte(p)})
	}
	c.emit(mqtt.MessageArrived{Topic: "other", Payload: []byte("99")})

	s := snapshot(t, m)
	want := []eventlog.Point{{Index: 0, Value: 12.5}, {Index: 1, Value: 7}}
	if fmt.Sprint(s.Series) != fmt.Sprint(want) {
		t.Errorf("Series = %v, want %v", s.Series, want)
	}
	if countKind(s, eventlog.KindReceived) != 4 {
		t.Errorf("received entries = %d, want 4", countKind(s, eventlog.KindReceived))
	}

	if err := m.SelectTopic(testContext(t), "other"); err != nil {
		t.Fatal(err)
	}
	if s := snapshot(t, m); fmt.Sprint(s.Series) != "[{0 99}]" {
		t.Errorf("Series after SelectTopic = %v", s.Series)
	}
}

func TestLogIsBounded(t *testing.T) {
	m, d, _ := startManager(t)
	c := connected(t, m, d)

	for i := 0; i < 120; i++ {
		c.emit(mqtt.MessageArrived{Topic: "t", Payload: []byte(fmt.Sprint(i))})
	}

	s := snapshot(t, m)
	if len(s.Entries) != eventlog.DefaultCapacity {
		t.Fatalf("len(Entries) = %d, want %d", len(s.Entries), eventlog.DefaultCapacity)
	}
	for i := 1; i < len(s.Entries); i++ {
		if s.Entries[i].Seq <= s.Entries[i-1].Seq {
			t.Fatalf("sequence not increasing at %d", i)
		}
	}
	if s.Entries[len(s.Entries)-1].Payload != "119" {
		t.Errorf("newest entry = %+v", s.Entries[len(s.Entries)-1])
	}
}

func TestTeardownIsSilent(t *testing.T) {
	m, d, stop := startManager(t)
	c := connected(t, m, d)

	stop()

	if !c.isClosed() {
		t.Error("connection not closed at teardown")
	}
	if m.Running() {
		t.Error("Running() = true after stop")
	}
	if _, err := m.Snapshot(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Snapshot() after stop error = %v, want ErrClosed", err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestWatch(t *testing.T) {
	m, d, stop := startManager(t)
	ctx := testContext(t)

	ch, err := m.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	first := <-ch
	if first.State != StateDisconnected {
		t.Errorf("first snapshot State = %s", first.State)
	}

	connected(t, m, d)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.State == StateConnected {
				stop()
				for range ch {
				}
				return
			}
		case <-deadline:
			t.Fatal("no Connected snapshot received")
		}
	}
}

func TestResubscribeRejectionDropsFilter(t *testing.T) {
	m, d, _ := startManager(t, WithTopics("a/b", "c/d"))
	if err := m.Connect(testContext(t), localConfig()); err != nil {
		t.Fatal(err)
	}

	c := d.last()
	c.mu.Lock()
	c.failSubscribe = mqtt.ErrQueueFull
	c.mu.Unlock()
	c.emit(mqtt.Opened{})

	s := snapshot(t, m)
	if s.State != StateConnected {
		t.Fatalf("State = %s, want Connected", s.State)
	}
	if len(s.Subscriptions) != 0 {
		t.Errorf("Subscriptions = %v, want empty after refused resubscribe", s.Subscriptions)
	}
	if n := countKind(s, eventlog.KindError); n != 2 {
		t.Errorf("logged %d errors, want 2", n)
	}
}

func TestWatchWithCanceledContext(t *testing.T) {
	m, _, _ := startManager(t)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := m.Watch(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("Watch() error = %v, want context.Canceled", err)
		}
	}

	// flush anything still queued on the manager goroutine
	snapshot(t, m)

	m.watchMu.Lock()
	n := len(m.watchers)
	m.watchMu.Unlock()
	if n != 0 {
		t.Errorf("%d watchers registered after canceled Watch calls", n)
	}
}

func TestEntriesSince(t *testing.T) {
	m, d, _ := startManager(t, WithLogCapacity(3))
	ctx := testContext(t)
	c := connected(t, m, d)

	for _, p := range []string{"1", "2", "3", "4"} {
		c.emit(mqtt.MessageArrived{Topic: "t", Payload: []byte(p)})
	}

	s := snapshot(t, m)
	got, err := m.EntriesSince(ctx, s.LastSeq-2)
	if err != nil {
		t.Fatalf("EntriesSince() error = %v", err)
	}
	if len(got) != 2 || got[0].Payload != "3" || got[1].Payload != "4" {
		t.Errorf("EntriesSince() = %+v, want payloads 3 and 4", got)
	}

	all, err := m.EntriesSince(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("EntriesSince(0) returned %d entries, want the 3 retained", len(all))
	}
	if got, _ := m.EntriesSince(ctx, s.LastSeq); len(got) != 0 {
		t.Errorf("EntriesSince(last) = %+v, want none", got)
	}
}

func TestLogEntryKindsExported(t *testing.T) {
	if n := testutil.CollectAndCount(metrics.LogEntries); n != len(eventlog.Kinds) {
		t.Errorf("log entry series = %d, want one per kind (%d)", n, len(eventlog.Kinds))
	}
}
