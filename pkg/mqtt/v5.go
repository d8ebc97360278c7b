package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/gorilla/websocket"

	"github.com/autopeer-io/mqttconsole/pkg/log"
)

const (
	outboundQueue = 64
	opTimeout     = 30 * time.Second
)

var ErrQueueFull = errors.New("mqtt: outbound queue full")

type v5Op struct {
	op    Op
	topic string
	run   func(ctx context.Context, cli *paho.Client) error
}

// v5Conn is an MQTT 5 connection over a gorilla WebSocket. Outbound
// operations are executed in order by a single goroutine so a slow
// acknowledgement never blocks the caller.
type v5Conn struct {
	gate
	log log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan v5Op

	mu     sync.Mutex
	client *paho.Client
}

func openV5(cfg ConnectionConfig, emit EmitFunc, l log.Logger) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &v5Conn{
		gate:   gate{emit: emit},
		log:    l,
		ctx:    ctx,
		cancel: cancel,
		ops:    make(chan v5Op, outboundQueue),
	}
	go c.run(cfg)
	return c
}

func (c *v5Conn) run(cfg ConnectionConfig) {
	client, err := c.connect(cfg)
	if err != nil {
		c.log.Debug("MQTT connect failed", "error", err)
		c.send(OpenFailed{Err: err})
		return
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	if !c.send(Opened{}) {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case o := <-c.ops:
			ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
			err := o.run(ctx, client)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.send(OperationFailed{Op: o.op, Topic: o.topic, Err: err})
			}
		}
	}
}

func (c *v5Conn) connect(cfg ConnectionConfig) (*paho.Client, error) {
	ctx := c.ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.ConnectTimeout,
		Subprotocols:     []string{"mqtt"},
	}
	if cfg.Security == SecurityTLS {
		tlsCfg, err := cfg.TLSConfig()
		if err != nil {
			return nil, err
		}
		d.TLSClientConfig = tlsCfg
	}

	ws, _, err := d.DialContext(ctx, cfg.BrokerURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn := newWSConn(ws)

	client := paho.NewClient(paho.ClientConfig{
		ClientID: cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				c.send(MessageArrived{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
				return true, nil
			},
		},
		OnClientError: func(err error) {
			c.log.Warn("MQTT connection lost", "error", err)
			c.send(ConnectionLost{Err: err})
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			err := serverDisconnectError(d)
			c.log.Warn("MQTT server closed the connection", "error", err)
			c.send(ConnectionLost{Err: err})
		},
	})
	client.SetErrorLogger(log.NewPrintfLogger(c.log.WithName("paho"), "error"))

	cp := &paho.Connect{
		ClientID:     cfg.ClientID,
		KeepAlive:    cfg.KeepAlive,
		CleanStart:   cfg.CleanStart,
		Username:     cfg.Username,
		UsernameFlag: cfg.Username != "",
		Password:     []byte(cfg.Password),
		PasswordFlag: cfg.Password != "",
	}

	if _, err := client.Connect(ctx, cp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

func serverDisconnectError(d *paho.Disconnect) error {
	if d.Properties != nil && d.Properties.ReasonString != "" {
		return fmt.Errorf("server disconnect (reason code %d): %s", d.ReasonCode, d.Properties.ReasonString)
	}
	return fmt.Errorf("server disconnect (reason code %d)", d.ReasonCode)
}

func (c *v5Conn) enqueue(o v5Op) error {
	if c.isClosed() {
		return ErrClosed
	}
	select {
	case c.ops <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *v5Conn) Subscribe(filter string, qos byte) error {
	return c.enqueue(v5Op{op: OpSubscribe, topic: filter, run: func(ctx context.Context, cli *paho.Client) error {
		sa, err := cli.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
		})
		if err != nil {
			return err
		}
		if sa != nil && len(sa.Reasons) > 0 && sa.Reasons[0] >= subackFailure {
			return fmt.Errorf("broker refused subscription (reason code %#x)", sa.Reasons[0])
		}
		return nil
	}})
}

func (c *v5Conn) Unsubscribe(filter string) error {
	return c.enqueue(v5Op{op: OpUnsubscribe, topic: filter, run: func(ctx context.Context, cli *paho.Client) error {
		_, err := cli.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
		return err
	}})
}

func (c *v5Conn) Publish(topic string, qos byte, payload []byte) error {
	return c.enqueue(v5Op{op: OpPublish, topic: topic, run: func(ctx context.Context, cli *paho.Client) error {
		_, err := cli.Publish(ctx, &paho.Publish{Topic: topic, QoS: qos, Payload: payload})
		return err
	}})
}

func (c *v5Conn) Close() {
	if !c.shut() {
		return
	}
	c.cancel()

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
}
