package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// SecurityMode selects the WebSocket scheme.
type SecurityMode string

const (
	SecurityPlaintext SecurityMode = "plaintext"
	SecurityTLS       SecurityMode = "tls"
)

// Protocol levels as carried in the CONNECT packet.
const (
	ProtocolV311 uint = 4
	ProtocolV5   uint = 5
)

const (
	DefaultHost       = "broker.emqx.io"
	DefaultPort       = 8083
	DefaultSecurePort = 8084
	DefaultPath       = "/mqtt"
	DefaultKeepAlive  = 60
	DefaultTimeout    = 10 * time.Second

	clientIDPrefix = "mqttconsole-"
)

var ErrInvalidConfig = errors.New("invalid connection config")

// ConnectionConfig describes one broker connection attempt.
type ConnectionConfig struct {
	Host     string       `json:"host" mapstructure:"host"`
	Port     int          `json:"port" mapstructure:"port"`
	Path     string       `json:"path" mapstructure:"path"`
	Security SecurityMode `json:"security" mapstructure:"security"`

	// ClientID is sent in CONNECT. Empty means a fresh one per attempt.
	ClientID string `json:"clientId,omitempty" mapstructure:"client-id"`
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`

	// QoS is used for every subscribe and publish.
	QoS byte `json:"qos" mapstructure:"qos"`

	// PEM encoded TLS material, only meaningful with SecurityTLS.
	CACert             string `json:"caCert,omitempty" mapstructure:"-"`
	ClientCert         string `json:"clientCert,omitempty" mapstructure:"-"`
	ClientKey          string `json:"clientKey,omitempty" mapstructure:"-"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty" mapstructure:"insecure-skip-verify"`

	ProtocolVersion uint          `json:"protocolVersion" mapstructure:"protocol-version"`
	KeepAlive       uint16        `json:"keepAlive" mapstructure:"keep-alive"`
	ConnectTimeout  time.Duration `json:"connectTimeout" mapstructure:"connect-timeout"`
	CleanStart      bool          `json:"cleanStart" mapstructure:"clean-start"`

	// StrictPorts turns a scheme/port convention mismatch into an error.
	StrictPorts bool `json:"strictPorts,omitempty" mapstructure:"strict-ports"`
}

// DefaultConnectionConfig returns the public test broker over plain WebSocket.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Host:            DefaultHost,
		Port:            DefaultPort,
		Path:            DefaultPath,
		Security:        SecurityPlaintext,
		ProtocolVersion: ProtocolV311,
		KeepAlive:       DefaultKeepAlive,
		ConnectTimeout:  DefaultTimeout,
		CleanStart:      true,
	}
}

// SetDefaults fills zero values that have a sensible default.
func (c *ConnectionConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Security == "" {
		c.Security = SecurityPlaintext
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = ProtocolV311
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
}

// Validate reports every problem with the config at once.
func (c ConnectionConfig) Validate() error {
	var errs []error

	switch {
	case c.Host == "":
		errs = append(errs, errors.New("host is required"))
	case strings.Contains(c.Host, "://") || strings.ContainsAny(c.Host, "/ \t"):
		errs = append(errs, fmt.Errorf("host %q must be a bare hostname", c.Host))
	}

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}

	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with '/'", c.Path))
	}

	if c.QoS > 2 {
		errs = append(errs, fmt.Errorf("qos %d must be 0, 1 or 2", c.QoS))
	}

	if c.ProtocolVersion != ProtocolV311 && c.ProtocolVersion != ProtocolV5 {
		errs = append(errs, fmt.Errorf("protocol version %d must be %d (3.1.1) or %d (5)", c.ProtocolVersion, ProtocolV311, ProtocolV5))
	}

	if c.ProtocolVersion == ProtocolV311 && c.Password != "" && c.Username == "" {
		errs = append(errs, errors.New("password requires a username with MQTT 3.1.1"))
	}

	if c.ConnectTimeout < 0 {
		errs = append(errs, errors.New("connect timeout must not be negative"))
	}

	if (c.ClientCert == "") != (c.ClientKey == "") {
		errs = append(errs, errors.New("client certificate and key must be supplied together"))
	}

	switch c.Security {
	case SecurityPlaintext:
		if c.hasTLSMaterial() {
			errs = append(errs, errors.New("tls material supplied but security mode is plaintext"))
		}
	case SecurityTLS:
		if _, err := c.TLSConfig(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("security mode %q must be %q or %q", c.Security, SecurityPlaintext, SecurityTLS))
	}

	if c.StrictPorts {
		if msg := c.portMismatch(); msg != "" {
			errs = append(errs, errors.New(msg))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, utilerrors.NewAggregate(errs))
}

// Warnings returns non-fatal observations, currently a port that does not
// follow the scheme convention when StrictPorts is off.
func (c ConnectionConfig) Warnings() []string {
	if c.StrictPorts {
		return nil
	}
	if msg := c.portMismatch(); msg != "" {
		return []string{msg}
	}
	return nil
}

func (c ConnectionConfig) portMismatch() string {
	switch {
	case c.Security == SecurityTLS && c.Port == DefaultPort:
		return fmt.Sprintf("port %d is the plain WebSocket port but security mode is tls", c.Port)
	case c.Security == SecurityPlaintext && c.Port == DefaultSecurePort:
		return fmt.Sprintf("port %d is the secure WebSocket port but security mode is plaintext", c.Port)
	}
	return ""
}

func (c ConnectionConfig) hasTLSMaterial() bool {
	return c.CACert != "" || c.ClientCert != "" || c.ClientKey != "" || c.InsecureSkipVerify
}

// Scheme is "wss" for SecurityTLS and "ws" otherwise.
func (c ConnectionConfig) Scheme() string {
	if c.Security == SecurityTLS {
		return "wss"
	}
	return "ws"
}

// BrokerURL returns the WebSocket endpoint, e.g. ws://broker.emqx.io:8083/mqtt.
func (c ConnectionConfig) BrokerURL() string {
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	return c.Scheme() + "://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) + path
}

// TLSConfig builds the client TLS configuration from the PEM material.
func (c ConnectionConfig) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.Host,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.CACert)) {
			return nil, errors.New("ca certificate: no PEM certificates found")
		}
		cfg.RootCAs = pool
	}

	if c.ClientCert != "" && c.ClientKey != "" {
		pair, err := tls.X509KeyPair([]byte(c.ClientCert), []byte(c.ClientKey))
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}

// WithClientID returns a copy carrying a generated client identifier when
// none is set.
func (c ConnectionConfig) WithClientID() ConnectionConfig {
	if c.ClientID == "" {
		c.ClientID = NewClientID()
	}
	return c
}

// Redacted returns a copy safe to log or display.
func (c ConnectionConfig) Redacted() ConnectionConfig {
	if c.Password != "" {
		c.Password = "******"
	}
	if c.ClientKey != "" {
		c.ClientKey = "******"
	}
	return c
}

// NewClientID returns "mqttconsole-" followed by eight random hex digits.
func NewClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return clientIDPrefix + id[:8]
}
