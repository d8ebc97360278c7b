package console

import (
	"fmt"

	"github.com/autopeer-io/mqttconsole/internal/payload"
	"github.com/autopeer-io/mqttconsole/internal/session"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
	"github.com/autopeer-io/mqttconsole/pkg/options"
)

// Config is everything needed to build a console Server.
type Config struct {
	HttpOptions    *options.HttpOptions
	MqttOptions    *options.MqttOptions
	PayloadOptions *options.PayloadOptions

	// AutoConnect starts a connect attempt with the configured broker as
	// soon as the server runs.
	AutoConnect bool

	// Dialer overrides the WebSocket transport, mainly for tests.
	Dialer mqtt.Dialer
}

// NewServer wires the session manager, the API and the HTTP server.
func (cfg *Config) NewServer() (*Server, error) {
	conn, err := cfg.MqttOptions.ToConnectionConfig()
	if err != nil {
		return nil, fmt.Errorf("connection config: %w", err)
	}

	validator, err := cfg.PayloadOptions.NewValidator()
	if err != nil {
		return nil, err
	}
	kind, err := payload.ParseKind(cfg.PayloadOptions.Kind)
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = mqtt.NewDialer(log.WithName("mqtt"))
	}

	manager, err := session.NewManager(dialer, validator,
		session.WithLogger(log.Std()),
		session.WithTopics(cfg.MqttOptions.Topics...),
		session.WithSelectedTopic(cfg.MqttOptions.SelectedTopic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init session manager: %w", err)
	}

	api := NewAPI(manager, conn, kind, log.WithName("api"), cfg.HttpOptions.Timeout)

	return &Server{
		manager:     manager,
		api:         api,
		http:        newHTTPServer(cfg.HttpOptions, api.Handler()),
		autoConnect: cfg.AutoConnect,
	}, nil
}
