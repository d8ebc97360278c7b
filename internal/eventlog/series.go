package eventlog

import (
	"math"
	"strconv"
	"strings"
)

// DefaultSeriesLimit is the number of points kept in a derived series.
const DefaultSeriesLimit = 20

// Point is one charted reading. Index is contiguous from 0 within a series.
type Point struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// Derive extracts the numeric readings received on topic. Only Received
// entries whose payload is a finite decimal number are kept; the most recent
// limit readings are returned in arrival order.
func Derive(entries []Entry, topic string, limit int) []Point {
	if topic == "" {
		return nil
	}
	if limit < 1 {
		limit = DefaultSeriesLimit
	}

	values := make([]float64, 0, limit)
	for _, e := range entries {
		r, ok := e.(Received)
		if !ok || r.Topic != topic {
			continue
		}
		v, ok := ParseNumber(r.Payload)
		if !ok {
			continue
		}
		values = append(values, v)
	}

	if len(values) > limit {
		values = values[len(values)-limit:]
	}

	points := make([]Point, len(values))
	for i, v := range values {
		points[i] = Point{Index: i, Value: v}
	}
	return points
}

// ParseNumber parses a decimal number surrounded by optional whitespace.
// Hexadecimal forms, NaN and infinities are rejected.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	unsigned := strings.TrimLeft(s, "+-")
	if strings.HasPrefix(unsigned, "0x") || strings.HasPrefix(unsigned, "0X") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
