package console

import (
	"sync"

	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
)

// redactedMask is what Redacted puts in place of secrets.
const redactedMask = "******"

// draft is the connection config the next connect uses. It is edited over
// the API and by config file reloads, independently of the live session.
type draft struct {
	mu  sync.RWMutex
	cfg mqtt.ConnectionConfig
}

func newDraft(cfg mqtt.ConnectionConfig) *draft {
	return &draft{cfg: cfg}
}

func (d *draft) get() mqtt.ConnectionConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *draft) set(cfg mqtt.ConnectionConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// keepSecrets replaces masked secrets in cfg with the values held in prev,
// so a config read back from the API can be sent again unchanged.
func keepSecrets(cfg *mqtt.ConnectionConfig, prev mqtt.ConnectionConfig) {
	if cfg.Password == redactedMask {
		cfg.Password = prev.Password
	}
	if cfg.ClientKey == redactedMask {
		cfg.ClientKey = prev.ClientKey
	}
}
