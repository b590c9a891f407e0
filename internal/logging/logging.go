// Package logging adapts log/slog to the four CIP debug levels from spec §6
// (off, low, moderate, high). Unlike a bare slog.Level, these levels also
// gate *what* gets logged, not just severity: "moderate" adds every decoded
// event, "high" additionally hex-dumps every inbound/outbound frame.
package logging

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/MatusOllah/slogcolor"
	"github.com/davecgh/go-spew/spew"
)

// Level is one of the four debug levels from spec §6.
type Level int

const (
	Off Level = iota
	Low
	Moderate
	High
)

func (l Level) String() string {
	switch l {
	case Off:
		return "off"
	case Low:
		return "low"
	case Moderate:
		return "moderate"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// Logger wraps a *slog.Logger with the debug-level gating.
type Logger struct {
	level Level
	base  *slog.Logger
}

// New builds a Logger at level, delegating formatted output to base. If base
// is nil, slog.Default() is used.
func New(level Level, base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{level: level, base: base}
}

// NewColorHandler builds a colorized handler suitable for interactive
// terminals, matching the convention the reference corpus uses for this
// class of protocol client (meermanr/LightwaveRF-go).
func NewColorHandler() slog.Handler {
	opts := slogcolor.DefaultOptions
	opts.Level = slog.LevelDebug
	return slogcolor.NewHandler(os.Stderr, opts)
}

// NewColorLogger builds a Logger at level backed by NewColorHandler, for
// embedders running against an interactive terminal rather than a log
// aggregator.
func NewColorLogger(level Level) *Logger {
	return New(level, slog.New(NewColorHandler()))
}

// Level reports the logger's configured debug level.
func (l *Logger) Level() Level { return l.level }

// Lifecycle logs a connection/registration state transition. Emitted at low
// and above.
func (l *Logger) Lifecycle(msg string, args ...any) {
	if l.level >= Low {
		l.base.Info(msg, args...)
	}
}

// Err logs an error condition (encode/state/framing/registration/transport).
// Emitted at low and above.
func (l *Logger) Err(msg string, args ...any) {
	if l.level >= Low {
		l.base.Error(msg, args...)
	}
}

// Event logs a decoded join update or other routine dispatch event. Emitted
// at moderate and above.
func (l *Logger) Event(msg string, args ...any) {
	if l.level >= Moderate {
		l.base.Debug(msg, args...)
	}
}

// Frame hex-dumps a single inbound or outbound frame. Emitted only at high.
func (l *Logger) Frame(direction string, frameType byte, payload []byte) {
	if l.level < High {
		return
	}
	l.base.Debug("frame",
		"direction", direction,
		"type", fmt.Sprintf("0x%02X", frameType),
		"hex", hex.EncodeToString(payload),
		"dump", spew.Sdump(payload),
	)
}
