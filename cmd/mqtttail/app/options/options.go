package options

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/mqttconsole/internal/payload"
	"github.com/autopeer-io/mqttconsole/internal/tail"
	"github.com/autopeer-io/mqttconsole/pkg/app"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt/topic"
	"github.com/autopeer-io/mqttconsole/pkg/options"
)

type TailOptions struct {
	MqttOptions    *options.MqttOptions    `json:"mqtt" mapstructure:"mqtt"`
	PayloadOptions *options.PayloadOptions `json:"payload" mapstructure:"payload"`
	Log            *log.Options            `json:"log" mapstructure:"log"`

	PublishTopic   string `json:"publish-topic" mapstructure:"publish-topic"`
	PublishPayload string `json:"publish-payload" mapstructure:"publish-payload"`
	Count          int    `json:"count" mapstructure:"count"`
}

var _ app.NamedFlagSetOptions = (*TailOptions)(nil)

func NewTailOptions() *TailOptions {
	o := &TailOptions{
		MqttOptions:    options.NewMqttOptions(),
		PayloadOptions: options.NewPayloadOptions(),
		Log:            log.NewOptions(),
	}
	// stdout carries the log entries, keep diagnostics quiet
	o.Log.Level = "warn"

	return o
}

func (o *TailOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}

	fs := fss.FlagSet("tail")
	fs.StringVar(&o.PublishTopic, "publish-topic", o.PublishTopic, "Topic to publish once connected. Defaults to the selected topic.")
	fs.StringVar(&o.PublishPayload, "publish-payload", o.PublishPayload, "Payload to publish once connected. Nothing is published when empty.")
	fs.IntVar(&o.Count, "count", o.Count, "Exit after this many received messages. 0 follows until interrupted.")

	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.PayloadOptions.AddFlags(fss.FlagSet("payload"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *TailOptions) Complete() error {
	if o.PublishPayload != "" && o.PublishTopic == "" {
		o.PublishTopic = o.MqttOptions.SelectedTopic
	}
	return nil
}

func (o *TailOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.PayloadOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)

	if o.Count < 0 {
		errs = append(errs, fmt.Errorf("--count must not be negative"))
	}
	if o.PublishPayload != "" {
		if err := topic.ValidateName(o.PublishTopic); err != nil {
			errs = append(errs, fmt.Errorf("--publish-topic %q: %w", o.PublishTopic, err))
		}
	}

	return utilerrors.NewAggregate(errs)
}

// Config builds the tail run. The caller supplies the output writer.
func (o *TailOptions) Config() (*tail.Config, error) {
	conn, err := o.MqttOptions.ToConnectionConfig()
	if err != nil {
		return nil, err
	}
	validator, err := o.PayloadOptions.NewValidator()
	if err != nil {
		return nil, err
	}

	cfg := &tail.Config{
		Connection: conn,
		Topics:     o.MqttOptions.Topics,
		Selected:   o.MqttOptions.SelectedTopic,
		Count:      o.Count,
		Validator:  validator,
	}

	if o.PublishPayload != "" {
		kind, err := payload.ParseKind(o.PayloadOptions.Kind)
		if err != nil {
			return nil, err
		}
		cfg.Publish = &tail.Message{
			Topic:   o.PublishTopic,
			Payload: o.PublishPayload,
			Kind:    kind,
		}
	}

	return cfg, nil
}
