package eventlog

import (
	"k8s.io/utils/clock"
)

// DefaultCapacity is the number of entries kept before the oldest is evicted.
const DefaultCapacity = 50

// Log is a bounded FIFO of entries with monotonically increasing sequence
// numbers. Sequence numbers are never reused, including across evictions.
//
// Log is not safe for concurrent use; it is owned by a single goroutine.
type Log struct {
	clock clock.PassiveClock

	buf   []Entry
	start int
	size  int
	next  uint64
}

// New returns an empty Log. A capacity below 1 uses DefaultCapacity and a
// nil clock uses the wall clock.
func New(capacity int, clk clock.PassiveClock) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Log{
		clock: clk,
		buf:   make([]Entry, capacity),
		next:  1,
	}
}

func (l *Log) meta() Meta {
	m := Meta{Sequence: l.next, At: l.clock.Now()}
	l.next++
	return m
}

func (l *Log) push(e Entry) Entry {
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = e
		l.size++
		return e
	}
	l.buf[l.start] = e
	l.start = (l.start + 1) % len(l.buf)
	return e
}

func (l *Log) AppendSent(topic, payload string) Entry {
	return l.push(Sent{Meta: l.meta(), Topic: topic, Payload: payload})
}

func (l *Log) AppendReceived(topic, payload string) Entry {
	return l.push(Received{Meta: l.meta(), Topic: topic, Payload: payload})
}

func (l *Log) AppendError(message string) Entry {
	return l.push(Error{Meta: l.meta(), Message: message})
}

func (l *Log) AppendSystem(message string) Entry {
	return l.push(System{Meta: l.meta(), Message: message})
}

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []Entry {
	out := make([]Entry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

// Since returns the entries with a sequence number greater than seq, oldest first.
func (l *Log) Since(seq uint64) []Entry {
	var out []Entry
	for i := 0; i < l.size; i++ {
		e := l.buf[(l.start+i)%len(l.buf)]
		if e.Seq() > seq {
			out = append(out, e)
		}
	}
	return out
}

func (l *Log) Len() int { return l.size }

// LastSeq returns the sequence number of the newest entry ever appended, or 0.
func (l *Log) LastSeq() uint64 { return l.next - 1 }
