package log

import (
	"fmt"
	"strings"
)

// PrintfLogger adapts a Logger to the Println/Printf interface expected by
// the paho MQTT clients. Every line is emitted at a single level.
type PrintfLogger struct {
	l     Logger
	level string
}

// NewPrintfLogger returns a PrintfLogger writing at level ("debug", "info",
// "warn" or "error"). Unknown levels fall back to debug.
func NewPrintfLogger(l Logger, level string) *PrintfLogger {
	return &PrintfLogger{l: l, level: level}
}

func (p *PrintfLogger) Println(v ...any) {
	p.emit(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (p *PrintfLogger) Printf(format string, v ...any) {
	p.emit(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}

func (p *PrintfLogger) emit(msg string) {
	switch p.level {
	case "info":
		p.l.Info(msg)
	case "warn":
		p.l.Warn(msg)
	case "error":
		p.l.Error(nil, msg)
	default:
		p.l.Debug(msg)
	}
}
