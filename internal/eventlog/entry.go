package eventlog

import (
	"fmt"
	"time"
)

// Kind identifies an Entry variant.
type Kind string

const (
	KindSent     Kind = "sent"
	KindReceived Kind = "received"
	KindError    Kind = "error"
	KindSystem   Kind = "system"
)

// Kinds lists every Kind in display order.
var Kinds = []Kind{KindSent, KindReceived, KindError, KindSystem}

// Entry is an immutable log record. The concrete type is one of Sent,
// Received, Error or System.
type Entry interface {
	Seq() uint64
	Time() time.Time
	Kind() Kind
	String() string

	entry()
}

// Meta is the part shared by every entry.
type Meta struct {
	Sequence uint64
	At       time.Time
}

func (m Meta) Seq() uint64     { return m.Sequence }
func (m Meta) Time() time.Time { return m.At }
func (Meta) entry()            {}

// Sent records a publish accepted by the transport. Payload is the exact
// string transmitted.
type Sent struct {
	Meta
	Topic   string
	Payload string
}

// Received records an inbound message, payload stored verbatim.
type Received struct {
	Meta
	Topic   string
	Payload string
}

type Error struct {
	Meta
	Message string
}

type System struct {
	Meta
	Message string
}

func (Sent) Kind() Kind     { return KindSent }
func (Received) Kind() Kind { return KindReceived }
func (Error) Kind() Kind    { return KindError }
func (System) Kind() Kind   { return KindSystem }

func (e Sent) String() string     { return fmt.Sprintf("[SENT to %s] %s", e.Topic, e.Payload) }
func (e Received) String() string { return fmt.Sprintf("[RECEIVED from %s] %s", e.Topic, e.Payload) }
func (e Error) String() string    { return "[ERROR] " + e.Message }
func (e System) String() string   { return "[SYSTEM] " + e.Message }

// Record is the flattened, serializable view of an Entry.
type Record struct {
	Seq     uint64    `json:"seq"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Topic   string    `json:"topic,omitempty"`
	Payload string    `json:"payload,omitempty"`
	Message string    `json:"message,omitempty"`
	Text    string    `json:"text"`
}

// ToRecord flattens e.
func ToRecord(e Entry) Record {
	r := Record{Seq: e.Seq(), Kind: e.Kind(), Time: e.Time(), Text: e.String()}
	switch v := e.(type) {
	case Sent:
		r.Topic, r.Payload = v.Topic, v.Payload
	case Received:
		r.Topic, r.Payload = v.Topic, v.Payload
	case Error:
		r.Message = v.Message
	case System:
		r.Message = v.Message
	}
	return r
}
