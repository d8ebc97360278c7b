package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/autopeer-io/mqttconsole/pkg/log"
)

const (
	subackFailure   = 0x80
	disconnectQuiet = 100 // milliseconds
)

var v3LoggersOnce sync.Once

// v3Conn is an MQTT 3.1.1 connection. paho.mqtt.golang dials ws:// and
// wss:// brokers natively; reconnects are disabled so a drop surfaces as
// ConnectionLost.
type v3Conn struct {
	gate
	client paho.Client
	log    log.Logger
}

func openV3(cfg ConnectionConfig, emit EmitFunc, l log.Logger) Conn {
	v3LoggersOnce.Do(func() {
		lib := l.WithName("paho")
		paho.ERROR = log.NewPrintfLogger(lib, "error")
		paho.CRITICAL = log.NewPrintfLogger(lib, "error")
		paho.WARN = log.NewPrintfLogger(lib, "warn")
	})

	c := &v3Conn{gate: gate{emit: emit}, log: l}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetProtocolVersion(ProtocolV311).
		SetCleanSession(cfg.CleanStart).
		SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetDefaultPublishHandler(c.onMessage).
		SetConnectionLostHandler(c.onConnectionLost)

	if cfg.Security == SecurityTLS {
		tlsCfg, err := cfg.TLSConfig()
		if err != nil {
			go c.send(OpenFailed{Err: err})
			return c
		}
		opts.SetTLSConfig(tlsCfg)
	}

	c.client = paho.NewClient(opts)
	token := c.client.Connect()

	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			l.Debug("MQTT connect failed", "error", err)
			c.send(OpenFailed{Err: err})
			return
		}
		if !c.send(Opened{}) {
			// closed while the CONNACK was in flight
			c.client.Disconnect(0)
		}
	}()

	return c
}

func (c *v3Conn) onMessage(_ paho.Client, m paho.Message) {
	c.send(MessageArrived{Topic: m.Topic(), Payload: m.Payload()})
}

func (c *v3Conn) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("MQTT connection lost", "error", err)
	c.send(ConnectionLost{Err: err})
}

func (c *v3Conn) Subscribe(filter string, qos byte) error {
	if c.client == nil || c.isClosed() {
		return ErrClosed
	}
	return c.track(OpSubscribe, filter, c.client.Subscribe(filter, qos, nil))
}

func (c *v3Conn) Unsubscribe(filter string) error {
	if c.client == nil || c.isClosed() {
		return ErrClosed
	}
	return c.track(OpUnsubscribe, filter, c.client.Unsubscribe(filter))
}

func (c *v3Conn) Publish(topic string, qos byte, payload []byte) error {
	if c.client == nil || c.isClosed() {
		return ErrClosed
	}
	return c.track(OpPublish, topic, c.client.Publish(topic, qos, false, payload))
}

func (c *v3Conn) Close() {
	if !c.shut() || c.client == nil {
		return
	}
	c.client.Disconnect(disconnectQuiet)
}

// track returns the token's error if it already completed, otherwise it
// reports a later failure as OperationFailed.
func (c *v3Conn) track(op Op, topic string, t paho.Token) error {
	select {
	case <-t.Done():
		return tokenError(t, topic)
	default:
	}

	go func() {
		<-t.Done()
		if err := tokenError(t, topic); err != nil {
			c.send(OperationFailed{Op: op, Topic: topic, Err: err})
		}
	}()
	return nil
}

func tokenError(t paho.Token, topic string) error {
	if err := t.Error(); err != nil {
		return err
	}
	if st, ok := t.(*paho.SubscribeToken); ok {
		if code, ok := st.Result()[topic]; ok && code >= subackFailure {
			return fmt.Errorf("broker refused subscription (reason code %#x)", code)
		}
	}
	return nil
}
