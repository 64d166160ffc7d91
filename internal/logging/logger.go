package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format selects the zerolog writer.
type Format string

const (
	FormatAuto    Format = ""
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Logger is a levelled zerolog wrapper. Children from NewLogger share the
// root's level, so SetLevel on either affects both.
type Logger struct {
	level *atomic.Int32
	zl    zerolog.Logger
}

func newLevel(level Level) *atomic.Int32 {
	v := new(atomic.Int32)
	v.Store(int32(level))
	return v
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init configures the process-wide logger. Only the first call has effect.
func Init(level Level) {
	InitWithFormat(level, FormatAuto, os.Stderr)
}

func InitWithFormat(level Level, format Format, out io.Writer) {
	once.Do(func() {
		defaultLogger = &Logger{
			level: newLevel(level),
			zl:    newZerolog(format, out),
		}
	})
}

func newZerolog(format Format, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.ErrorFieldName = "err"

	w := out
	if format == FormatConsole || (format == FormatAuto && isTerminal(out)) {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	// Level filtering is done by Logger.log so SetLevel applies to children.
	return zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func GetLogger() *Logger {
	Init(LevelInfo)
	return defaultLogger
}

// NewLogger returns a child of the process-wide logger tagged with
// component=name.
func NewLogger(name string) *Logger {
	return GetLogger().Named(name)
}

// Named returns a child tagged with component=name that shares l's level.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		level: l.level,
		zl:    l.zl.With().Str("component", name).Logger(),
	}
}

// New builds a standalone logger writing to out; used by tests and tools
// that must not touch the process-wide logger.
func New(level Level, format Format, out io.Writer) *Logger {
	return &Logger{level: newLevel(level), zl: newZerolog(format, out)}
}

func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.log(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.log(LevelError, msg, fields...)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	if level < Level(l.level.Load()) {
		return
	}

	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.zl.Debug()
	case LevelInfo:
		ev = l.zl.Info()
	case LevelWarn:
		ev = l.zl.Warn()
	case LevelError:
		ev = l.zl.Error()
	default:
		ev = l.zl.Log()
	}
	for _, f := range fields {
		appendField(ev, f)
	}
	ev.Msg(msg)
}

type Field struct {
	Key   string
	Value interface{}
}

func appendField(ev *zerolog.Event, f Field) {
	switch val := f.Value.(type) {
	case string:
		ev.Str(f.Key, val)
	case bool:
		ev.Bool(f.Key, val)
	case int:
		ev.Int(f.Key, val)
	case int64:
		ev.Int64(f.Key, val)
	case uint8:
		ev.Uint8(f.Key, val)
	case uint64:
		ev.Uint64(f.Key, val)
	case float64:
		ev.Float64(f.Key, val)
	case time.Duration:
		ev.Dur(f.Key, val)
	case time.Time:
		ev.Time(f.Key, val)
	case error:
		ev.AnErr(f.Key, val)
	case interface{ String() string }:
		ev.Str(f.Key, val.String())
	default:
		ev.Interface(f.Key, val)
	}
}

// ParseLevel maps LOG_LEVEL values; unknown strings fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON
	case "console", "text":
		return FormatConsole
	default:
		return FormatAuto
	}
}

func Debug(msg string, fields ...Field) {
	GetLogger().Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	GetLogger().Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	GetLogger().Warn(msg, fields...)
}

func Error(msg string, fields ...Field) {
	GetLogger().Error(msg, fields...)
}
