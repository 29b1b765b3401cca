package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI color codes
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	White   = "\033[37m"
	Gray    = "\033[90m"

	BrightRed     = "\033[91m"
	BrightGreen   = "\033[92m"
	BrightYellow  = "\033[93m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
	BrightWhite   = "\033[97m"
)

// ColoredLogger wraps zap.Logger with component-tagged colored output.
type ColoredLogger struct {
	*zap.Logger
	enableColors bool
}

// Component represents different parts of the marketplace for color coding
type Component string

const (
	ComponentSession  Component = "SESSION"
	ComponentNetwork  Component = "NETWORK"
	ComponentListings Component = "LISTINGS"
	ComponentPurchase Component = "PURCHASE"
	ComponentContent  Component = "CONTENT"
	ComponentLedger   Component = "LEDGER"
	ComponentStorage  Component = "STORAGE"
	ComponentFaucet   Component = "FAUCET"
	ComponentGateway  Component = "GATEWAY"
	ComponentGeneral  Component = "GENERAL"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means debug.
	Level string
	// Format is "console" (colored, compact) or "json".
	Format string
	// File, when set, receives log output instead of stdout.
	File string
	// Colors enables ANSI colors for the console format.
	Colors bool
}

func getComponentColor(component Component) string {
	switch component {
	case ComponentSession:
		return BrightBlue
	case ComponentNetwork:
		return BrightCyan
	case ComponentListings:
		return Green
	case ComponentPurchase:
		return BrightMagenta
	case ComponentContent:
		return Cyan
	case ComponentLedger:
		return Blue
	case ComponentStorage:
		return BrightYellow
	case ComponentFaucet:
		return Magenta
	case ComponentGateway:
		return BrightGreen
	case ComponentGeneral:
		return Yellow
	default:
		return White
	}
}

func getLevelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return Gray
	case zapcore.InfoLevel:
		return BrightWhite
	case zapcore.WarnLevel:
		return BrightYellow
	case zapcore.ErrorLevel:
		return BrightRed
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return Red
	default:
		return White
	}
}

// ParseLevel converts a level name to a zap level. Unknown names are an error.
func ParseLevel(name string) (zapcore.Level, error) {
	if strings.TrimSpace(name) == "" {
		return zapcore.DebugLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return zapcore.DebugLevel, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// coloredConsoleEncoder creates the compact console encoder: HH:MM:SS, a
// single-letter level and the bare caller file name.
func coloredConsoleEncoder(enableColors bool) zapcore.Encoder {
	config := zap.NewDevelopmentEncoderConfig()

	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		timeStr := t.Format("15:04:05")
		if enableColors {
			enc.AppendString(Dim + timeStr + Reset)
		} else {
			enc.AppendString(timeStr)
		}
	}

	config.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		levelStr := "?"
		switch level {
		case zapcore.DebugLevel:
			levelStr = "D"
		case zapcore.InfoLevel:
			levelStr = "I"
		case zapcore.WarnLevel:
			levelStr = "W"
		case zapcore.ErrorLevel:
			levelStr = "E"
		}
		if enableColors {
			enc.AppendString(getLevelColor(level) + Bold + levelStr + Reset)
		} else {
			enc.AppendString(levelStr)
		}
	}

	config.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		file := caller.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		file = strings.TrimSuffix(file, ".go")
		if enableColors {
			enc.AppendString(Dim + file + Reset)
		} else {
			enc.AppendString(file)
		}
	}

	return zapcore.NewConsoleEncoder(config)
}

func jsonEncoder() zapcore.Encoder {
	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(config)
}

// New builds a logger from options.
func New(opts Options) (*ColoredLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var sink io.Writer = os.Stdout
	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		sink = file
	}

	colors := opts.Colors && opts.File == ""
	encoder := coloredConsoleEncoder(colors)
	if opts.Format == "json" {
		encoder = jsonEncoder()
		colors = false
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(sink), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	return &ColoredLogger{
		Logger:       logger,
		enableColors: colors,
	}, nil
}

// NewColoredLogger creates a debug-level colored console logger on stdout.
func NewColoredLogger(enableColors bool) (*ColoredLogger, error) {
	return New(Options{Format: "console", Colors: enableColors})
}

// NewNop returns a logger that discards everything.
func NewNop() *ColoredLogger {
	return &ColoredLogger{Logger: zap.NewNop()}
}

// Wrap adapts an existing zap logger.
func Wrap(logger *zap.Logger) *ColoredLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ColoredLogger{Logger: logger}
}

// For returns a plain zap logger tagged with the component, for packages that
// take *zap.Logger. Caller skip is reset so callers are reported correctly.
func (l *ColoredLogger) For(component Component) *zap.Logger {
	return l.Logger.WithOptions(zap.AddCallerSkip(-1)).With(zap.String("component", string(component)))
}

func (l *ColoredLogger) tag(component Component, msg string) string {
	if l.enableColors {
		return fmt.Sprintf("%s[%s]%s %s", getComponentColor(component), component, Reset, msg)
	}
	return fmt.Sprintf("[%s] %s", component, msg)
}

func (l *ColoredLogger) ComponentInfo(component Component, msg string, fields ...zap.Field) {
	l.Info(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentWarn(component Component, msg string, fields ...zap.Field) {
	l.Warn(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentError(component Component, msg string, fields ...zap.Field) {
	l.Error(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentDebug(component Component, msg string, fields ...zap.Field) {
	l.Debug(l.tag(component, msg), fields...)
}
