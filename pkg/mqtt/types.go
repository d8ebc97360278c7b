package mqtt

// Event is a notification from a transport connection. The concrete type is
// one of Opened, OpenFailed, MessageArrived, ConnectionLost or OperationFailed.
type Event interface {
	event()
}

// Opened reports that the broker accepted the connection.
type Opened struct{}

// OpenFailed reports that the connection attempt did not succeed.
type OpenFailed struct {
	Err error
}

// MessageArrived carries one inbound publish.
type MessageArrived struct {
	Topic   string
	Payload []byte
}

// ConnectionLost reports that an open connection dropped. It is emitted at
// most once per connection and never after Close.
type ConnectionLost struct {
	Err error
}

// Op names an outbound operation.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
)

// OperationFailed reports an asynchronous failure of a call that Conn had
// already accepted, such as a refused SUBACK.
type OperationFailed struct {
	Op    Op
	Topic string
	Err   error
}

func (Opened) event()          {}
func (OpenFailed) event()      {}
func (MessageArrived) event()  {}
func (ConnectionLost) event()  {}
func (OperationFailed) event() {}

// EmitFunc receives connection events. Implementations must not block.
type EmitFunc func(Event)

// Dialer opens broker connections.
type Dialer interface {
	// Open starts a connection attempt and returns immediately. Exactly one of
	// Opened or OpenFailed is emitted unless Close is called first.
	Open(cfg ConnectionConfig, emit EmitFunc) Conn
}

// Conn is a single broker connection. Methods return an error only when the
// call is rejected synchronously; later failures arrive as OperationFailed.
type Conn interface {
	Subscribe(filter string, qos byte) error
	Unsubscribe(filter string) error
	Publish(topic string, qos byte, payload []byte) error

	// Close ends the connection. No events are emitted afterwards.
	Close()
}
