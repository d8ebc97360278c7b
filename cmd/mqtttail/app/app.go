package app

import (
	"fmt"
	"os"

	genericapiserver "k8s.io/apiserver/pkg/server"
	"k8s.io/klog/v2"

	"github.com/autopeer-io/mqttconsole/cmd/mqtttail/app/options"
	"github.com/autopeer-io/mqttconsole/internal/tail"
	"github.com/autopeer-io/mqttconsole/pkg/app"
	"github.com/autopeer-io/mqttconsole/pkg/log"
)

const (
	commandName = "mqtttail"
	commandDesc = `mqtttail connects to an MQTT broker over WebSocket, subscribes to the
configured topics and prints every session event as it happens. An optional
message is published once connected. A summary is printed on exit.`
)

func NewApp() *app.App {
	opts := options.NewTailOptions()
	application := app.NewApp(
		commandName,
		"Follow an MQTT session from the terminal",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.TailOptions) app.RunFunc {
	return func() error {
		log.Init(opts.Log)
		defer func() { _ = log.Sync() }()
		klog.SetLogger(log.Logr())

		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg.Out = os.Stdout

		t, err := tail.New(*cfg)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return t.Run(ctx)
	}
}
