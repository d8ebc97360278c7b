package app

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	genericapiserver "k8s.io/apiserver/pkg/server"
	"k8s.io/klog/v2"

	"github.com/autopeer-io/mqttconsole/cmd/mqttconsole/app/options"
	"github.com/autopeer-io/mqttconsole/internal/console"
	"github.com/autopeer-io/mqttconsole/pkg/app"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	genericoptions "github.com/autopeer-io/mqttconsole/pkg/options"
)

const (
	commandName = "mqttconsole"
	commandDesc = `The MQTT console manages one MQTT-over-WebSocket session and serves it over
HTTP: connection control, subscriptions, publishing with JSON validation, a
bounded event log, a live snapshot stream and a chart of numeric payloads.`
)

func NewApp() *app.App {
	opts := options.NewConsoleOptions()
	r := &reloader{}
	application := app.NewApp(
		commandName,
		"Launch the MQTT console server",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithWatchConfig(r.onConfigChange),
		app.WithRunFunc(run(opts, r)),
	)
	return application
}

func run(opts *options.ConsoleOptions, r *reloader) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer func() { _ = log.Sync() }()
		klog.SetLogger(log.Logr())

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		server, err := cfg.NewServer()
		if err != nil {
			return fmt.Errorf("failed to create console server: %w", err)
		}
		r.set(server)

		return server.Run(ctx)
	}
}

// reloader applies config file changes: the log level at once, the MQTT
// settings as the draft for the next connect. The live session is left alone.
type reloader struct {
	mu     sync.Mutex
	server *console.Server
}

func (r *reloader) set(s *console.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.server = s
}

func (r *reloader) onConfigChange(v *viper.Viper) {
	if level := v.GetString("log.level"); level != "" {
		if err := log.SetLevel(level); err != nil {
			log.Error(err, "Ignoring invalid log level")
		}
	}

	r.mu.Lock()
	server := r.server
	r.mu.Unlock()
	if server == nil {
		return
	}

	fresh := genericoptions.NewMqttOptions()
	if err := v.UnmarshalKey("mqtt", fresh); err != nil {
		log.Error(err, "Failed to decode reloaded MQTT config")
		return
	}
	if errs := fresh.Validate(); len(errs) != 0 {
		log.Error(utilerrors.NewAggregate(errs), "Ignoring invalid MQTT config")
		return
	}

	cfg, err := fresh.ToConnectionConfig()
	if err != nil {
		log.Error(err, "Ignoring invalid MQTT config")
		return
	}
	server.SetDraft(cfg)
	log.Info("Draft connection config reloaded", "broker", cfg.BrokerURL())
}
