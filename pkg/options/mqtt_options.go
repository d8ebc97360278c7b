package options

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt/topic"
)

var _ IOptions = (*MqttOptions)(nil)

// MqttOptions contains the broker connection settings and the initial topic
// setup of a session.
type MqttOptions struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Path     string `json:"path" mapstructure:"path"`
	Security string `json:"security" mapstructure:"security"`

	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	ClientID string `json:"client-id" mapstructure:"client-id"`
	QoS      uint8  `json:"qos" mapstructure:"qos"`

	// Client behavior
	ProtocolVersion uint          `json:"protocol-version" mapstructure:"protocol-version"`
	KeepAlive       time.Duration `json:"keep-alive" mapstructure:"keep-alive"`
	ConnectTimeout  time.Duration `json:"connect-timeout" mapstructure:"connect-timeout"`
	CleanStart      bool          `json:"clean-start" mapstructure:"clean-start"`
	StrictPorts     bool          `json:"strict-ports" mapstructure:"strict-ports"`

	// PEM files, read when the connection config is built.
	CAFile   string `json:"ca-file" mapstructure:"ca-file"`
	CertFile string `json:"cert-file" mapstructure:"cert-file"`
	KeyFile  string `json:"key-file" mapstructure:"key-file"`

	// InsecureSkipVerify controls whether a client verifies the server's certificate chain and host name.
	// If true, TLS accepts any certificate presented by the server and any host name in that certificate.
	// In this mode, TLS is susceptible to man-in-the-middle attacks. This should be used only for testing.
	InsecureSkipVerify bool `json:"insecure-skip-verify" mapstructure:"insecure-skip-verify"`

	// Topics is the initial subscription set, SelectedTopic the topic charted at startup.
	Topics        []string `json:"topics" mapstructure:"topics"`
	SelectedTopic string   `json:"selected-topic" mapstructure:"selected-topic"`
}

// NewMqttOptions creates a new MqttOptions with default values.
func NewMqttOptions() *MqttOptions {
	d := mqtt.DefaultConnectionConfig()
	return &MqttOptions{
		Host:            d.Host,
		Port:            d.Port,
		Path:            d.Path,
		Security:        string(d.Security),
		QoS:             d.QoS,
		ProtocolVersion: d.ProtocolVersion,
		KeepAlive:       time.Duration(d.KeepAlive) * time.Second,
		ConnectTimeout:  d.ConnectTimeout,
		CleanStart:      d.CleanStart,
		Topics:          []string{"sensor/temperature", "sensor/humidity", "control/led"},
		SelectedTopic:   "sensor/temperature",
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *MqttOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.KeepAlive < 0 || o.KeepAlive > 65535*time.Second {
		errors = append(errors, fmt.Errorf("--mqtt.keep-alive %s out of range 0-65535s", o.KeepAlive))
	}

	if _, err := o.ToConnectionConfig(); err != nil {
		errors = append(errors, err)
	}

	if (o.CertFile == "") != (o.KeyFile == "") {
		errors = append(errors, fmt.Errorf("--mqtt.cert-file and --mqtt.key-file must be set together"))
	}

	for _, f := range o.Topics {
		if err := topic.ValidateFilter(f); err != nil {
			errors = append(errors, fmt.Errorf("--mqtt.topics %q: %w", f, err))
		}
	}

	if o.SelectedTopic != "" {
		if err := topic.ValidateName(o.SelectedTopic); err != nil {
			errors = append(errors, fmt.Errorf("--mqtt.selected-topic %q: %w", o.SelectedTopic, err))
		}
	}

	return errors
}

// AddFlags adds flags for MqttOptions to the specified FlagSet.
func (o *MqttOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Host, "mqtt.host", o.Host, "Hostname of the MQTT broker.")
	fs.IntVar(&o.Port, "mqtt.port", o.Port, "WebSocket port of the MQTT broker (8083 plain, 8084 TLS by convention).")
	fs.StringVar(&o.Path, "mqtt.path", o.Path, "WebSocket path of the MQTT endpoint.")
	fs.StringVar(&o.Security, "mqtt.security", o.Security, "Transport security, plaintext (ws) or tls (wss).")

	fs.StringVar(&o.Username, "mqtt.username", o.Username, "The username for MQTT authentication.")
	fs.StringVar(&o.Password, "mqtt.password", o.Password, "The password for MQTT authentication.")
	fs.StringVar(&o.ClientID, "mqtt.client-id", o.ClientID, "Explicit Client ID (optional, generated per attempt when empty).")
	fs.Uint8Var(&o.QoS, "mqtt.qos", o.QoS, "QoS used for every subscribe and publish (0, 1 or 2).")

	fs.UintVar(&o.ProtocolVersion, "mqtt.protocol-version", o.ProtocolVersion, "MQTT protocol level, 4 (3.1.1) or 5.")
	fs.DurationVar(&o.KeepAlive, "mqtt.keep-alive", o.KeepAlive, "MQTT Keep Alive interval.")
	fs.DurationVar(&o.ConnectTimeout, "mqtt.connect-timeout", o.ConnectTimeout, "Timeout for establishing MQTT connection.")
	fs.BoolVar(&o.CleanStart, "mqtt.clean-start", o.CleanStart, "Start a clean session on every connect.")
	fs.BoolVar(&o.StrictPorts, "mqtt.strict-ports", o.StrictPorts, "Reject a port that does not match the security mode convention.")

	fs.StringVar(&o.CAFile, "mqtt.ca-file", o.CAFile, "PEM file with CA certificates used to verify the broker.")
	fs.StringVar(&o.CertFile, "mqtt.cert-file", o.CertFile, "PEM file with the client certificate.")
	fs.StringVar(&o.KeyFile, "mqtt.key-file", o.KeyFile, "PEM file with the client private key.")
	fs.BoolVar(&o.InsecureSkipVerify, "mqtt.insecure-skip-verify", o.InsecureSkipVerify, "If true, skips the TLS certificate verification.")

	// Topics
	fs.StringSliceVar(&o.Topics, "mqtt.topics", o.Topics, "Topic filters subscribed on the first connect.")
	fs.StringVar(&o.SelectedTopic, "mqtt.selected-topic", o.SelectedTopic, "Topic whose numeric series is charted.")
}

// ToConnectionConfig builds the connection config, reading any PEM files.
func (o *MqttOptions) ToConnectionConfig() (mqtt.ConnectionConfig, error) {
	cfg := mqtt.ConnectionConfig{
		Host:               o.Host,
		Port:               o.Port,
		Path:               o.Path,
		Security:           mqtt.SecurityMode(o.Security),
		ClientID:           o.ClientID,
		Username:           o.Username,
		Password:           o.Password,
		QoS:                o.QoS,
		InsecureSkipVerify: o.InsecureSkipVerify,
		ProtocolVersion:    o.ProtocolVersion,
		KeepAlive:          uint16(o.KeepAlive / time.Second),
		ConnectTimeout:     o.ConnectTimeout,
		CleanStart:         o.CleanStart,
		StrictPorts:        o.StrictPorts,
	}

	for _, f := range []struct {
		path string
		dst  *string
	}{
		{o.CAFile, &cfg.CACert},
		{o.CertFile, &cfg.ClientCert},
		{o.KeyFile, &cfg.ClientKey},
	} {
		if f.path == "" {
			continue
		}
		b, err := os.ReadFile(f.path)
		if err != nil {
			return cfg, fmt.Errorf("read %s: %w", f.path, err)
		}
		*f.dst = string(b)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
