// Package log provides structured, leveled logging for the archive
// indexer, in the shape of the teacher's own log package: a thin
// convenience layer over log/slog with terminal color output, caller
// frames, and optional file rotation.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the interface every actor in the pipeline logs through.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	New(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

var root Logger = &logger{inner: slog.New(newTerminalHandler(os.Stderr, true))}

// Root returns the package-level root logger.
func Root() Logger { return root }

// SetDefault replaces the root logger, used by main() once configuration
// (log level, log file path) has been parsed.
func SetDefault(l Logger) { root = l }

// New returns a child logger of the root with the given context fields
// attached to every record.
func New(ctx ...any) Logger { return root.New(ctx...) }

func Trace(msg string, ctx ...any) { logRoot(levelTrace, msg, ctx) }
func Debug(msg string, ctx ...any) { logRoot(slog.LevelDebug, msg, ctx) }
func Info(msg string, ctx ...any)  { logRoot(slog.LevelInfo, msg, ctx) }
func Warn(msg string, ctx ...any)  { logRoot(slog.LevelWarn, msg, ctx) }
func Error(msg string, ctx ...any) { logRoot(slog.LevelError, msg, ctx) }
func Crit(msg string, ctx ...any)  { logRoot(levelCrit, msg, ctx) }

// logRoot routes the package-level convenience functions through root's
// own caller-skip-aware log() when root is the built-in *logger, so
// log.Info("msg") reports its own call site rather than logRoot's. A
// root replaced via SetDefault with some other Logger implementation
// falls back to the plain interface call, which has no caller frame to
// attach.
func logRoot(level slog.Level, msg string, ctx []any) {
	if l, ok := root.(*logger); ok {
		l.log(topLevelSkip, level, msg, ctx)
		return
	}
	switch level {
	case levelTrace:
		root.Trace(msg, ctx...)
	case slog.LevelDebug:
		root.Debug(msg, ctx...)
	case slog.LevelInfo:
		root.Info(msg, ctx...)
	case slog.LevelWarn:
		root.Warn(msg, ctx...)
	case slog.LevelError:
		root.Error(msg, ctx...)
	case levelCrit:
		root.Crit(msg, ctx...)
	}
}

const levelTrace = slog.Level(-8)
const levelCrit = slog.Level(12)

// methodSkip/topLevelSkip are the stack.Caller depths needed to land on
// the actual log call site rather than on log() itself: a call through
// a *logger method (l.Info(...)) unwinds one frame less than a call
// through the package-level convenience functions (log.Info(...)),
// which add an extra hop through logRoot before reaching log().
const methodSkip = 2
const topLevelSkip = 3

func (l *logger) log(skip int, level slog.Level, msg string, ctx []any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	ctx = append(ctx, "caller", fmt.Sprintf("%+v", stack.Caller(skip)))
	l.inner.Log(context.Background(), level, msg, ctx...)
	if level == levelCrit {
		os.Exit(1)
	}
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(methodSkip, levelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(methodSkip, slog.LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(methodSkip, slog.LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(methodSkip, slog.LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.log(methodSkip, slog.LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.log(methodSkip, levelCrit, msg, ctx) }

func (l *logger) New(ctx ...any) Logger {
	return &logger{inner: slog.New(l.inner.Handler().WithAttrs(toAttrs(ctx)))}
}

func toAttrs(ctx []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		key, _ := ctx[i].(string)
		attrs = append(attrs, slog.Any(key, ctx[i+1]))
	}
	return attrs
}

// terminalHandler renders records the way the teacher's console logger
// does: "LVL[timestamp] msg key=value ...", colorized when the output is
// a real terminal.
type terminalHandler struct {
	w      io.Writer
	color  bool
	attrs  []slog.Attr
}

func newTerminalHandler(w io.Writer, useColor bool) *terminalHandler {
	if f, ok := w.(*os.File); ok {
		useColor = useColor && isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return &terminalHandler{w: w, color: useColor}
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentLevel
}

var currentLevel = slog.LevelInfo

// SetLevel adjusts the minimum level the root logger emits, driven by the
// log.level configuration field.
func SetLevel(level string) {
	switch level {
	case "trace":
		currentLevel = levelTrace
	case "debug":
		currentLevel = slog.LevelDebug
	case "info":
		currentLevel = slog.LevelInfo
	case "warn":
		currentLevel = slog.LevelWarn
	case "error":
		currentLevel = slog.LevelError
	}
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	lvl := fmt.Sprintf("%-5s", levelString(r.Level))
	if h.color {
		code := 34 // TRACE: blue
		switch {
		case r.Level >= levelCrit:
			code = 35
		case r.Level >= slog.LevelError:
			code = 31
		case r.Level >= slog.LevelWarn:
			code = 33
		case r.Level >= slog.LevelInfo:
			code = 32
		case r.Level > levelTrace:
			code = 36
		}
		lvl = fmt.Sprintf("\x1b[%dm%s\x1b[0m", code, lvl)
	}
	ts := r.Time.Format(time.RFC3339)
	line := fmt.Sprintf("%s[%s] %s", lvl, ts, r.Message)
	r.AddAttrs(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &terminalHandler{w: h.w, color: h.color}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

func (h *terminalHandler) WithGroup(name string) slog.Handler { return h }

func levelString(l slog.Level) string {
	switch {
	case l <= levelTrace:
		return "TRACE"
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	case l < levelCrit:
		return "ERROR"
	default:
		return "CRIT"
	}
}

// NewFileLogger builds a Logger that writes to path, rotating per the
// given max size in megabytes, matching the teacher's --log.file /
// --log.rotate flags (backed by natefinch/lumberjack).
func NewFileLogger(path string, maxSizeMB int) Logger {
	w := &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB, MaxBackups: 5, MaxAge: 28}
	return &logger{inner: slog.New(newTerminalHandler(w, false))}
}
