package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/mqttconsole/internal/console"
	"github.com/autopeer-io/mqttconsole/pkg/app"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	"github.com/autopeer-io/mqttconsole/pkg/options"
)

type ConsoleOptions struct {
	HttpOptions    *options.HttpOptions    `json:"http" mapstructure:"http"`
	MqttOptions    *options.MqttOptions    `json:"mqtt" mapstructure:"mqtt"`
	PayloadOptions *options.PayloadOptions `json:"payload" mapstructure:"payload"`
	Log            *log.Options            `json:"log" mapstructure:"log"`

	// AutoConnect connects to the configured broker on startup.
	AutoConnect bool `json:"connect" mapstructure:"connect"`
}

var _ app.NamedFlagSetOptions = (*ConsoleOptions)(nil)

func NewConsoleOptions() *ConsoleOptions {
	o := &ConsoleOptions{
		HttpOptions:    options.NewHttpOptions(),
		MqttOptions:    options.NewMqttOptions(),
		PayloadOptions: options.NewPayloadOptions(),
		Log:            log.NewOptions(),
	}

	return o
}

func (o *ConsoleOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}

	fs := fss.FlagSet("console")
	fs.BoolVar(&o.AutoConnect, "connect", o.AutoConnect, "Connect to the configured broker on startup.")

	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.PayloadOptions.AddFlags(fss.FlagSet("payload"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *ConsoleOptions) Complete() error {
	return nil
}

func (o *ConsoleOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.PayloadOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *ConsoleOptions) Config() (*console.Config, error) {
	return &console.Config{
		HttpOptions:    o.HttpOptions,
		MqttOptions:    o.MqttOptions,
		PayloadOptions: o.PayloadOptions,
		AutoConnect:    o.AutoConnect,
	}, nil
}
