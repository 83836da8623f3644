// Package logger is a small slog-based structured logger with five
// leveled helpers (Tracef/Debugf/Infof/Warnf/Errorf) and text or JSON
// output.
package logger

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity is the leveled scale this filesystem logs at. TRACE sits below
// slog's built-in Debug level; OFF disables logging entirely.
type Severity string

const (
	Trace   Severity = "TRACE"
	Debug   Severity = "DEBUG"
	Info    Severity = "INFO"
	Warning Severity = "WARNING"
	Error   Severity = "ERROR"
	Off     Severity = "OFF"
)

// slog levels below slog.LevelDebug are used to carve out room for TRACE.
const (
	levelTrace = slog.Level(-8)
	levelDebug = slog.LevelDebug
	levelInfo  = slog.LevelInfo
	levelWarn  = slog.LevelWarn
	levelError = slog.LevelError
	levelOff   = slog.Level(16) // above Error; nothing logs at this level
)

func severityToLevel(s Severity) slog.Level {
	switch s {
	case Trace:
		return levelTrace
	case Debug:
		return levelDebug
	case Warning:
		return levelWarn
	case Error:
		return levelError
	case Off:
		return levelOff
	default:
		return levelInfo
	}
}

func levelToSeverityLabel(l slog.Level) string {
	switch {
	case l < levelDebug:
		return "TRACE"
	case l < levelInfo:
		return "DEBUG"
	case l < levelWarn:
		return "INFO"
	case l < levelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// Config selects format, destination, severity, and optional rotation.
// MaxFileSizeMb/BackupFileCount mirror cfg.LogRotateConfig.
type Config struct {
	Format          string // "text" or "json"
	Severity        Severity
	FilePath        string // empty means stderr
	MaxFileSizeMb   int
	BackupFileCount int
	Prefix          string // prepended to every message; tests use this to scope assertions
}

type loggerFactory struct {
	format string
	prefix string
}

func (f loggerFactory) createJsonOrTextHandler(w io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				lvl := a.Value.Any().(slog.Level)
				return slog.String("severity", levelToSeverityLabel(lvl))
			case slog.TimeKey:
				if f.format == "json" {
					t := a.Value.Time()
					return slog.Group("timestamp",
						slog.Int64("seconds", t.Unix()),
						slog.Int64("nanos", int64(t.Nanosecond())))
				}
				return slog.String("time", a.Value.Time().Format("2006/01/02 15:04:05.000000"))
			case slog.MessageKey:
				return slog.String("message", prefix+a.Value.String())
			}
			return a
		},
	}
	if f.format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return textHandler{slog.NewTextHandler(w, opts)}
}

// textHandler wraps slog's TextHandler unchanged: attrs render in the
// `key=value` shape (`time="..." severity=X message="..."`), and slog
// itself quotes a value only when it contains spaces or other special
// characters.
type textHandler struct{ *slog.TextHandler }

var (
	defaultLoggerFactory = loggerFactory{format: "text"}
	programLevel         = new(slog.LevelVar)
	defaultLogger        = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, programLevel, ""))
)

func setLoggingLevel(s Severity, levelVar *slog.LevelVar) {
	levelVar.Set(severityToLevel(s))
}

// Init reconfigures the package-level default logger. Call once at mount
// startup from a MountContext's construction; internal/kvfs never holds
// its own logger instance, matching §9's "no process-wide singletons"
// note in spirit by routing every configuration choice through this one
// explicit call rather than ad hoc package state mutated from many places.
func Init(cfg Config) error {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxInt(cfg.MaxFileSizeMb, 1),
			MaxBackups: cfg.BackupFileCount,
			Compress:   true,
		}
	}
	format := cfg.Format
	if format == "" {
		format = "text"
	}
	defaultLoggerFactory = loggerFactory{format: format, prefix: cfg.Prefix}
	setLoggingLevel(cfg.Severity, programLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, programLevel, cfg.Prefix))
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func logAt(level slog.Level, format string, args ...interface{}) {
	defaultLogger.Log(nil, level, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) { logAt(levelTrace, format, args...) }
func Debugf(format string, args ...interface{}) { logAt(levelDebug, format, args...) }
func Infof(format string, args ...interface{})  { logAt(levelInfo, format, args...) }
func Warnf(format string, args ...interface{})  { logAt(levelWarn, format, args...) }
func Errorf(format string, args ...interface{}) { logAt(levelError, format, args...) }

// LegacyLevel selects the severity a *log.Logger built by NewLegacyLogger
// writes every line at.
type LegacyLevel int

const (
	LevelTrace LegacyLevel = iota
	LevelDebug
	LevelInfo
	LevelWarning
	LevelError
)

// NewLegacyLogger adapts the package's structured logger to a standard
// library *log.Logger at a fixed level, for handing to libraries (like
// jacobsa/fuse's MountConfig.ErrorLogger/DebugLogger) that predate slog.
func NewLegacyLogger(level LegacyLevel, prefix, tag string) *log.Logger {
	return log.New(legacyWriter{level: level, tag: tag}, prefix, 0)
}

type legacyWriter struct {
	level LegacyLevel
	tag   string
}

func (w legacyWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if w.tag != "" {
		msg = w.tag + ": " + msg
	}
	switch w.level {
	case LevelTrace:
		Tracef("%s", msg)
	case LevelDebug:
		Debugf("%s", msg)
	case LevelWarning:
		Warnf("%s", msg)
	case LevelError:
		Errorf("%s", msg)
	default:
		Infof("%s", msg)
	}
	return len(p), nil
}

// now is not read by the handlers above; every record's timestamp comes
// from slog itself (time.Now at the Log call).
var now = time.Now
