package session

import (
	"errors"

	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("not connected to MQTT broker")

	// ErrTransportOpen marks a connect attempt the broker or network refused.
	ErrTransportOpen = errors.New("connection failed")

	// ErrTransportLost marks an established connection that dropped.
	ErrTransportLost = errors.New("connection lost")

	// ErrPayloadInvalid is returned when a JSON payload fails to parse or validate.
	ErrPayloadInvalid = errors.New("payload invalid")

	ErrInvalidTopic   = errors.New("invalid topic")
	ErrNotSubscribed  = errors.New("not subscribed")
	ErrInvalidConfig  = mqtt.ErrInvalidConfig
	ErrClosed         = errors.New("session manager is not running")
	ErrAlreadyRunning = errors.New("session manager is already running")
)

// Log messages shared with the display surfaces.
const (
	msgConnected     = "Connected to MQTT broker"
	msgDisconnected  = "Disconnected from MQTT broker"
	msgCancelled     = "Connection attempt cancelled"
	msgNotConnected  = "Not connected to MQTT broker"
	msgNoTopic       = "No topic selected"
	msgSubscribed    = "Subscribed to "
	msgUnsubscribed  = "Unsubscribed from "
	msgConnectFailed = "Connection failed: "
	msgConnectLost   = "Connection lost: "
)
