package mqtt

import (
	"errors"
	"sync"

	"github.com/autopeer-io/mqttconsole/pkg/log"
)

// ErrClosed is returned by Conn methods after Close.
var ErrClosed = errors.New("mqtt: connection closed")

type dialer struct {
	log log.Logger
}

// NewDialer returns a Dialer that speaks MQTT 3.1.1 or 5 over WebSocket,
// chosen by ConnectionConfig.ProtocolVersion. A nil logger discards output.
func NewDialer(logger log.Logger) Dialer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &dialer{log: logger}
}

func (d *dialer) Open(cfg ConnectionConfig, emit EmitFunc) Conn {
	cfg.SetDefaults()
	cfg = cfg.WithClientID()

	l := d.log.WithValues("broker", cfg.BrokerURL(), "clientID", cfg.ClientID, "protocol", cfg.ProtocolVersion)
	l.Info("Opening MQTT connection")

	if cfg.ProtocolVersion == ProtocolV5 {
		return openV5(cfg, emit, l)
	}
	return openV3(cfg, emit, l)
}

// gate forwards events until closed. ConnectionLost passes at most once and
// only after Opened.
type gate struct {
	mu     sync.Mutex
	emit   EmitFunc
	closed bool
	opened bool
	lost   bool
}

// send forwards ev and reports whether the gate was still open.
func (g *gate) send(ev Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	switch ev.(type) {
	case Opened:
		g.opened = true
	case ConnectionLost:
		if !g.opened || g.lost {
			return true
		}
		g.lost = true
	}
	g.emit(ev)
	return true
}

// shut closes the gate and reports whether this call did so.
func (g *gate) shut() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	g.closed = true
	return true
}

func (g *gate) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
