package session

import (
	"context"

	"github.com/autopeer-io/mqttconsole/internal/eventlog"
)

// Snapshot is a consistent copy of the Manager state for display.
type Snapshot struct {
	State         State             `json:"state"`
	BrokerURL     string            `json:"brokerUrl,omitempty"`
	ClientID      string            `json:"clientId,omitempty"`
	QoS           byte              `json:"qos"`
	Subscriptions []string          `json:"subscriptions"`
	Selected      string            `json:"selectedTopic"`
	Entries       []eventlog.Record `json:"log"`
	Series        []eventlog.Point  `json:"series"`
	LastSeq       uint64            `json:"lastSeq"`
	LastError     string            `json:"lastError,omitempty"`

	// Err is the transport failure behind LastError; it matches
	// ErrTransportOpen or ErrTransportLost with errors.Is.
	Err error `json:"-"`
}

// Snapshot returns the current state.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := m.do(ctx, func() error {
		s = m.snapshot()
		return nil
	})
	return s, err
}

func (m *Manager) snapshot() Snapshot {
	entries := m.events.Entries()
	records := make([]eventlog.Record, len(entries))
	for i, e := range entries {
		records[i] = eventlog.ToRecord(e)
	}

	s := Snapshot{
		State:         m.fsm.State(),
		QoS:           m.cfg.QoS,
		Subscriptions: m.subs.List(),
		Selected:      m.selected,
		Entries:       records,
		Series:        eventlog.Derive(entries, m.selected, m.seriesLimit),
		LastSeq:       m.events.LastSeq(),
		Err:           m.lastErr,
	}
	if s.State != StateDisconnected || m.gen > 0 {
		s.BrokerURL = m.cfg.BrokerURL()
		s.ClientID = m.cfg.ClientID
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if s.Series == nil {
		s.Series = []eventlog.Point{}
	}
	return s
}

// EntriesSince returns the log entries with a sequence number greater than
// seq, oldest first. Entries already evicted are not returned.
func (m *Manager) EntriesSince(ctx context.Context, seq uint64) ([]eventlog.Record, error) {
	var records []eventlog.Record
	err := m.do(ctx, func() error {
		entries := m.events.Since(seq)
		records = make([]eventlog.Record, len(entries))
		for i, e := range entries {
			records[i] = eventlog.ToRecord(e)
		}
		return nil
	})
	return records, err
}

type watcher struct {
	ch chan Snapshot
}

// Watch streams a snapshot now and after every change until ctx is done or
// the Manager stops, then closes the channel. A slow reader only ever sees
// the latest snapshot.
func (m *Manager) Watch(ctx context.Context) (<-chan Snapshot, error) {
	w := &watcher{ch: make(chan Snapshot, 1)}

	err := m.do(ctx, func() error {
		s := m.snapshot()
		m.watchMu.Lock()
		defer m.watchMu.Unlock()

		// checked under the lock so a concurrent removeWatcher is never undone
		if err := ctx.Err(); err != nil {
			return err
		}
		w.ch <- s
		m.watchers[w] = struct{}{}
		return nil
	})
	if err != nil {
		// do may give up on ctx after the registration ran
		m.removeWatcher(w)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.removeWatcher(w)
	}()
	return w.ch, nil
}

func (m *Manager) removeWatcher(w *watcher) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if _, ok := m.watchers[w]; ok {
		delete(m.watchers, w)
		close(w.ch)
	}
}

func (m *Manager) closeWatchers() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	for w := range m.watchers {
		delete(m.watchers, w)
		close(w.ch)
	}
}

// notify pushes the current snapshot to every watcher, replacing any value
// the watcher has not read yet.
func (m *Manager) notify() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if len(m.watchers) == 0 {
		return
	}
	s := m.snapshot()
	for w := range m.watchers {
		select {
		case w.ch <- s:
		default:
			select {
			case <-w.ch:
			default:
			}
			w.ch <- s
		}
	}
}
