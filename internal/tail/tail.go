// Package tail follows a session from the terminal: it prints every log
// entry as it is appended and a summary table on exit.
package tail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/gosuri/uitable"
	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/mqttconsole/internal/eventlog"
	"github.com/autopeer-io/mqttconsole/internal/payload"
	"github.com/autopeer-io/mqttconsole/internal/session"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt/topic"
)

const timeFormat = "15:04:05.000"

// Message is published once the session is connected.
type Message struct {
	Topic   string
	Payload string
	Kind    payload.Kind
}

// Config describes one tail run.
type Config struct {
	Connection mqtt.ConnectionConfig
	Topics     []string
	Selected   string

	// Publish, when set, is sent after the first successful connect.
	Publish *Message

	// Count stops the run after this many received messages. Zero follows
	// until the context ends.
	Count int

	Validator *payload.Validator
	Dialer    mqtt.Dialer
	Out       io.Writer
}

// Tail prints a session's log to a writer.
type Tail struct {
	cfg     Config
	manager *session.Manager
	out     io.Writer

	lastSeq   uint64
	received  int
	published bool

	// matched counts received messages per subscription filter
	matched map[string]int
}

// New builds the session manager for cfg.
func New(cfg Config) (*Tail, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = mqtt.NewDialer(log.WithName("mqtt"))
	}

	m, err := session.NewManager(dialer, cfg.Validator,
		session.WithLogger(log.Std()),
		session.WithTopics(cfg.Topics...),
		session.WithSelectedTopic(cfg.Selected),
	)
	if err != nil {
		return nil, err
	}

	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	return &Tail{cfg: cfg, manager: m, out: out, matched: map[string]int{}}, nil
}

var errDone = errors.New("tail done")

// Run connects and prints entries until ctx is done, the connection fails
// or Count messages arrived. The summary is printed in every case.
func (t *Tail) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.manager.Run(gctx) })

	var last session.Snapshot
	g.Go(func() error {
		updates, err := t.manager.Watch(gctx)
		if err != nil {
			return err
		}
		if err := t.manager.Connect(gctx, t.cfg.Connection); err != nil {
			return err
		}

		for s := range updates {
			last = s
			if err := t.handle(gctx, s); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	t.printSummary(last)
	if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Tail) handle(ctx context.Context, s session.Snapshot) error {
	entries, err := t.manager.EntriesSince(ctx, t.lastSeq)
	if err != nil {
		return err
	}
	for _, e := range entries {
		t.lastSeq = e.Seq
		fmt.Fprintf(t.out, "%s %s\n", e.Time.Format(timeFormat), e.Text)
		if e.Kind == eventlog.KindReceived {
			t.received++
			for _, f := range s.Subscriptions {
				if topic.Match(f, e.Topic) {
					t.matched[f]++
				}
			}
		}
	}

	switch s.State {
	case session.StateFailed:
		return s.Err
	case session.StateDisconnected:
		if s.Err != nil {
			return s.Err
		}
	case session.StateConnected:
		if p := t.cfg.Publish; p != nil && !t.published {
			t.published = true
			// failures are logged as entries and printed with the next update
			_ = t.manager.Publish(ctx, p.Topic, p.Payload, p.Kind)
		}
	}

	if t.cfg.Count > 0 && t.received >= t.cfg.Count {
		return errDone
	}
	return nil
}

func (t *Tail) printSummary(s session.Snapshot) {
	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true

	table.AddRow("STATE:", string(s.State))
	if s.BrokerURL != "" {
		table.AddRow("BROKER:", s.BrokerURL)
	}
	if s.ClientID != "" {
		table.AddRow("CLIENT ID:", s.ClientID)
	}
	if len(s.Subscriptions) == 0 {
		table.AddRow("SUBSCRIPTIONS:", "none")
	}
	for i, f := range s.Subscriptions {
		label := ""
		if i == 0 {
			label = "SUBSCRIPTIONS:"
		}
		table.AddRow(label, fmt.Sprintf("%s (%d received)", f, t.matched[f]))
	}
	table.AddRow("RECEIVED:", strconv.Itoa(t.received))
	if s.LastError != "" {
		table.AddRow("LAST ERROR:", s.LastError)
	}
	if s.Selected != "" {
		table.AddRow("SERIES:", s.Selected)
		for _, p := range s.Series {
			table.AddRow("", fmt.Sprintf("#%d  %s", p.Index, strconv.FormatFloat(p.Value, 'g', -1, 64)))
		}
	}

	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, table)
}
