package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/mqttconsole/internal/eventlog"
	"github.com/autopeer-io/mqttconsole/internal/payload"
	"github.com/autopeer-io/mqttconsole/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/mqttconsole/internal/pkg/util/fsm"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt/topic"
)

func init() {
	// export every kind from startup, at zero
	for _, k := range eventlog.Kinds {
		metrics.LogEntries.WithLabelValues(string(k))
	}
}

// DefaultTopics are subscribed on the first successful connect.
var DefaultTopics = []string{"sensor/temperature", "sensor/humidity", "control/led"}

// Manager owns one MQTT session: the connection state machine, the
// subscription set, the event log and the numeric series derived from it.
//
// All state is mutated by the goroutine running Run. Public methods post a
// closure to that goroutine and wait for it, so they are safe for concurrent
// use but block until Run is started.
type Manager struct {
	dialer    mqtt.Dialer
	validator *payload.Validator
	log       log.Logger

	seriesLimit int

	mailbox *mailbox
	running atomic.Bool
	done    chan struct{}

	// owned by the Run goroutine
	ctx      context.Context
	fsm      *connFSM
	conn     mqtt.Conn
	gen      uint64
	cfg      mqtt.ConnectionConfig
	subs     *subscriptionSet
	events   *eventlog.Log
	selected string
	lastErr  error

	watchMu  sync.Mutex
	watchers map[*watcher]struct{}
}

type options struct {
	logger      log.Logger
	clock       clock.PassiveClock
	capacity    int
	seriesLimit int
	topics      []string
	selected    string
}

// Option configures a Manager.
type Option func(*options)

func WithLogger(l log.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock sets the clock used to timestamp log entries.
func WithClock(c clock.PassiveClock) Option { return func(o *options) { o.clock = c } }

func WithLogCapacity(n int) Option { return func(o *options) { o.capacity = n } }

func WithSeriesLimit(n int) Option { return func(o *options) { o.seriesLimit = n } }

// WithTopics replaces DefaultTopics as the initial subscription set.
func WithTopics(filters ...string) Option {
	return func(o *options) { o.topics = append([]string(nil), filters...) }
}

// WithSelectedTopic sets the topic whose series is derived at startup.
func WithSelectedTopic(t string) Option { return func(o *options) { o.selected = t } }

// NewManager returns a Manager in the Disconnected state. A nil validator
// accepts any JSON object.
func NewManager(dialer mqtt.Dialer, validator *payload.Validator, opts ...Option) (*Manager, error) {
	if dialer == nil {
		return nil, errors.New("session: dialer is required")
	}

	o := &options{
		capacity:    eventlog.DefaultCapacity,
		seriesLimit: eventlog.DefaultSeriesLimit,
		topics:      DefaultTopics,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.NewNopLogger()
	}

	if validator == nil {
		v, err := payload.NewValidator("")
		if err != nil {
			return nil, err
		}
		validator = v
	}

	for _, f := range o.topics {
		if err := topic.ValidateFilter(f); err != nil {
			return nil, fmt.Errorf("initial topic: %w", err)
		}
	}

	l := o.logger.WithName("session")
	return &Manager{
		dialer:      dialer,
		validator:   validator,
		log:         l,
		seriesLimit: o.seriesLimit,
		mailbox:     newMailbox(),
		done:        make(chan struct{}),
		ctx:         context.Background(),
		fsm:         newConnFSM(l),
		cfg:         mqtt.DefaultConnectionConfig(),
		subs:        newSubscriptionSet(o.topics...),
		events:      eventlog.New(o.capacity, o.clock),
		selected:    o.selected,
		watchers:    make(map[*watcher]struct{}),
	}, nil
}

// Run processes operations and transport events until ctx is done, then
// closes any live connection without logging. Run may be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.done)

	// transitions must complete even while shutting down
	m.ctx = context.WithoutCancel(ctx)
	m.log.Info("Session manager started")

	for {
		select {
		case <-ctx.Done():
			m.mailbox.close()
			m.teardown()
			m.log.Info("Session manager stopped")
			return nil
		case <-m.mailbox.ready:
			for _, fn := range m.mailbox.take() {
				fn()
			}
			m.notify()
		}
	}
}

// Running reports whether Run is processing operations.
func (m *Manager) Running() bool {
	if !m.running.Load() {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) teardown() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.closeWatchers()
}

// do runs fn on the Run goroutine and returns its result.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !m.mailbox.post(func() { res <- fn() }) {
		return ErrClosed
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// Connect starts a new connection attempt with cfg, superseding any
// existing connection. It returns once the attempt has started; the outcome
// is reported through the event log and the state.
func (m *Manager) Connect(ctx context.Context, cfg mqtt.ConnectionConfig) error {
	return m.do(ctx, func() error { return m.connect(cfg) })
}

// Disconnect closes the connection or cancels a pending attempt. It is a
// no-op when there is nothing to close.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.do(ctx, m.disconnect)
}

// Subscribe adds filter to the subscription set and subscribes on the broker.
func (m *Manager) Subscribe(ctx context.Context, filter string) error {
	return m.do(ctx, func() error { return m.subscribe(filter) })
}

// Unsubscribe removes filter from the subscription set and the broker.
func (m *Manager) Unsubscribe(ctx context.Context, filter string) error {
	return m.do(ctx, func() error { return m.unsubscribe(filter) })
}

// SelectTopic chooses the topic whose numeric series is derived. The empty
// string clears the selection.
func (m *Manager) SelectTopic(ctx context.Context, t string) error {
	return m.do(ctx, func() error {
		m.selected = t
		return nil
	})
}

// Publish sends payload to t. JSON payloads are validated and canonicalized
// first and never reach the broker when invalid.
func (m *Manager) Publish(ctx context.Context, t, body string, kind payload.Kind) error {
	return m.do(ctx, func() error { return m.publish(t, body, kind) })
}

func (m *Manager) connect(cfg mqtt.ConnectionConfig) error {
	cfg.SetDefaults()

	if err := fsmutil.IgnoreNoTransition(m.fsm.Event(m.ctx, EventOpen, cfg)); err != nil {
		var canceled fsm.CanceledError
		if errors.As(err, &canceled) && canceled.Err != nil {
			err = canceled.Err
		}
		metrics.ConnectAttempts.WithLabelValues("invalid").Inc()
		m.appendError("Invalid connection config: " + rootMessage(err))
		return err
	}

	for _, w := range cfg.Warnings() {
		m.log.Warn("Connection config", "warning", w)
	}

	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	m.gen++
	m.cfg = cfg.WithClientID()
	m.lastErr = nil
	m.log.Info("Connecting", "broker", m.cfg.BrokerURL(), "clientID", m.cfg.ClientID, "generation", m.gen)
	m.conn = m.dialer.Open(m.cfg, m.emitter(m.gen))
	return nil
}

func (m *Manager) disconnect() error {
	switch m.fsm.State() {
	case StateConnected:
		m.closeConn()
		m.appendSystem(msgDisconnected)
	case StateConnecting:
		m.closeConn()
		metrics.ConnectAttempts.WithLabelValues("cancelled").Inc()
		m.appendSystem(msgCancelled)
	default:
		return nil
	}
	m.log.Info("Disconnected", "broker", m.cfg.BrokerURL())
	return nil
}

func (m *Manager) closeConn() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mustEvent(EventClose)
}

func (m *Manager) subscribe(filter string) error {
	if m.fsm.State() != StateConnected {
		m.appendError(msgNotConnected)
		return ErrNotConnected
	}

	if err := topic.ValidateFilter(filter); err != nil {
		m.appendError(fmt.Sprintf("Invalid topic filter %q: %v", filter, err))
		return fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}

	if err := m.conn.Subscribe(filter, m.cfg.QoS); err != nil {
		m.appendError(fmt.Sprintf("Subscribe to %s failed: %v", filter, err))
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}

	m.subs.Add(filter)
	m.appendSystem(msgSubscribed + filter)
	return nil
}

func (m *Manager) unsubscribe(filter string) error {
	if m.fsm.State() != StateConnected {
		m.appendError(msgNotConnected)
		return ErrNotConnected
	}

	if !m.subs.Has(filter) {
		m.appendError("Not subscribed to " + filter)
		return fmt.Errorf("%w: %s", ErrNotSubscribed, filter)
	}

	if err := m.conn.Unsubscribe(filter); err != nil {
		m.appendError(fmt.Sprintf("Unsubscribe from %s failed: %v", filter, err))
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}

	m.subs.Remove(filter)
	m.appendSystem(msgUnsubscribed + filter)
	return nil
}

func (m *Manager) publish(t, body string, kind payload.Kind) error {
	result := "rejected"
	defer func() { metrics.Publishes.WithLabelValues(string(kind), result).Inc() }()

	if m.fsm.State() != StateConnected {
		m.appendError(msgNotConnected)
		return ErrNotConnected
	}
	if t == "" {
		m.appendError(msgNoTopic)
		return fmt.Errorf("%w: no topic selected", ErrNotConnected)
	}
	if err := topic.ValidateName(t); err != nil {
		m.appendError(fmt.Sprintf("Invalid publish topic %q: %v", t, err))
		return fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}

	final, err := m.validator.Prepare(kind, body)
	if errors.Is(err, payload.ErrUnknownKind) {
		m.appendError("Publish failed: " + err.Error())
		return err
	}
	if err != nil {
		result = "invalid"
		m.appendError("Invalid JSON payload: " + rootMessage(err))
		return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}

	if err := m.conn.Publish(t, m.cfg.QoS, []byte(final)); err != nil {
		result = "failed"
		m.appendError(fmt.Sprintf("Publish to %s failed: %v", t, err))
		return fmt.Errorf("publish %s: %w", t, err)
	}

	result = "sent"
	m.events.AppendSent(t, final)
	metrics.LogEntries.WithLabelValues(string(eventlog.KindSent)).Inc()
	return nil
}

// emitter tags transport events with the attempt that produced them.
func (m *Manager) emitter(gen uint64) mqtt.EmitFunc {
	return func(ev mqtt.Event) {
		m.mailbox.post(func() { m.handle(gen, ev) })
	}
}

func (m *Manager) handle(gen uint64, ev mqtt.Event) {
	if gen != m.gen || m.conn == nil {
		metrics.StaleEvents.Inc()
		m.log.Debug("Dropping event from superseded connection", "generation", gen, "current", m.gen, "event", fmt.Sprintf("%T", ev))
		return
	}

	switch e := ev.(type) {
	case mqtt.Opened:
		m.onOpened()
	case mqtt.OpenFailed:
		m.onOpenFailed(e.Err)
	case mqtt.ConnectionLost:
		m.onConnectionLost(e.Err)
	case mqtt.MessageArrived:
		m.events.AppendReceived(e.Topic, string(e.Payload))
		metrics.LogEntries.WithLabelValues(string(eventlog.KindReceived)).Inc()
	case mqtt.OperationFailed:
		m.onOperationFailed(e)
	}
}

func (m *Manager) onOpened() {
	if m.fsm.State() != StateConnecting {
		return
	}
	m.mustEvent(EventEstablish)
	metrics.ConnectAttempts.WithLabelValues("opened").Inc()
	m.log.Info("Connected", "broker", m.cfg.BrokerURL(), "subscriptions", m.subs.Len())

	// a refused filter leaves the set, as it does when the broker refuses it later
	for _, f := range m.subs.List() {
		if err := m.conn.Subscribe(f, m.cfg.QoS); err != nil {
			m.subs.Remove(f)
			m.appendError(fmt.Sprintf("Subscribe to %s failed: %v", f, err))
		}
	}
	m.appendSystem(msgConnected)
}

func (m *Manager) onOpenFailed(err error) {
	if m.fsm.State() != StateConnecting {
		return
	}
	m.conn.Close()
	m.conn = nil
	m.mustEvent(EventFail)
	metrics.ConnectAttempts.WithLabelValues("failed").Inc()

	m.lastErr = fmt.Errorf("%w: %v", ErrTransportOpen, err)
	m.log.Error(err, "Connection failed", "broker", m.cfg.BrokerURL())
	m.appendError(msgConnectFailed + reason(err))
}

func (m *Manager) onConnectionLost(err error) {
	if m.fsm.State() != StateConnected {
		return
	}
	m.conn.Close()
	m.conn = nil
	m.mustEvent(EventLose)

	m.lastErr = fmt.Errorf("%w: %v", ErrTransportLost, err)
	m.log.Error(err, "Connection lost", "broker", m.cfg.BrokerURL())
	m.appendError(msgConnectLost + reason(err))
}

func (m *Manager) onOperationFailed(e mqtt.OperationFailed) {
	switch e.Op {
	case mqtt.OpSubscribe:
		m.subs.Remove(e.Topic)
		m.appendError(fmt.Sprintf("Subscribe to %s failed: %s", e.Topic, reason(e.Err)))
	case mqtt.OpUnsubscribe:
		m.appendError(fmt.Sprintf("Unsubscribe from %s failed: %s", e.Topic, reason(e.Err)))
	default:
		m.appendError(fmt.Sprintf("Publish to %s failed: %s", e.Topic, reason(e.Err)))
	}
}

// mustEvent fires a transition the caller has already checked is valid.
func (m *Manager) mustEvent(event string) {
	if err := fsmutil.IgnoreNoTransition(m.fsm.Event(m.ctx, event)); err != nil {
		m.log.Error(err, "Unexpected state transition failure", "event", event, "state", m.fsm.Current())
	}
}

func (m *Manager) appendError(msg string) {
	m.events.AppendError(msg)
	metrics.LogEntries.WithLabelValues(string(eventlog.KindError)).Inc()
}

func (m *Manager) appendSystem(msg string) {
	m.events.AppendSystem(msg)
	metrics.LogEntries.WithLabelValues(string(eventlog.KindSystem)).Inc()
}

func reason(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// rootMessage strips sentinel prefixes added by wrapping.
func rootMessage(err error) string {
	for _, sentinel := range []error{ErrInvalidConfig, payload.ErrInvalid} {
		if errors.Is(err, sentinel) {
			if msg, ok := strings.CutPrefix(err.Error(), sentinel.Error()+": "); ok {
				return msg
			}
		}
	}
	return err.Error()
}
