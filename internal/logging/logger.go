package logging

// Leveled logging for hpcxfer, written through zap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelVerbose
	LogLevelDebug
)

// ParseLevel maps a level name to a LogLevel. Unknown names yield LogLevelInfo.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "silent", "off", "none":
		return LogLevelSilent
	case "error":
		return LogLevelError
	case "warn", "warning":
		return LogLevelWarn
	case "verbose":
		return LogLevelVerbose
	case "debug":
		return LogLevelDebug
	default:
		return LogLevelInfo
	}
}

// FileOptions controls the optional rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Logger provides leveled logging
type Logger struct {
	mu      sync.Mutex
	level   LogLevel
	name    string
	rotator *lumberjack.Logger
	fileLog *zap.Logger
	console *zap.Logger
}

// NewLogger creates a new logger. logFile may be empty.
func NewLogger(level LogLevel, logFile string) (*Logger, error) {
	return NewLoggerWithOptions(level, FileOptions{Path: logFile})
}

// NewLoggerWithOptions creates a logger whose file output is rotated by size.
func NewLoggerWithOptions(level LogLevel, file FileOptions) (*Logger, error) {
	l := &Logger{
		level:   level,
		console: newConsole(),
	}

	if file.Path != "" {
		// lumberjack creates the file lazily; surface bad paths now.
		if _, err := os.Stat(filepath.Dir(file.Path)); err != nil {
			return nil, fmt.Errorf("create log file: %w", err)
		}
		l.rotator = &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    max(file.MaxSizeMB, 10),
			MaxBackups: max(file.MaxBackups, 1),
		}
		enc := zapcore.NewConsoleEncoder(fileEncoderConfig())
		l.fileLog = zap.New(zapcore.NewCore(enc, zapcore.AddSync(l.rotator), zapcore.DebugLevel))
	}

	return l, nil
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return &Logger{level: LogLevelSilent, console: zap.NewNop()}
}

func newConsole() *zap.Logger {
	enc := zapcore.NewConsoleEncoder(consoleEncoderConfig())
	stderr := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.WarnLevel
	}))
	stdout := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.WarnLevel
	}))
	return zap.New(zapcore.NewTee(stderr, stdout))
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "msg",
		NameKey:        "logger",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := consoleEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// Named returns a child logger whose lines carry name. The child shares
// outputs and level with its parent at the time of the call.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return Discard()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{
		level:   l.level,
		name:    name,
		rotator: nil,
		console: l.console.Named(name),
	}
	if l.fileLog != nil {
		child.fileLog = l.fileLog.Named(name)
	}
	return child
}

// Close flushes and closes the log file, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.console.Sync()
	if l.fileLog != nil {
		_ = l.fileLog.Sync()
	}
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Error logs an error message
func (l *Logger) Error(format string, v ...interface{}) {
	if l.enabled(LogLevelError) {
		l.write(zapcore.ErrorLevel, "ERROR: "+fmt.Sprintf(format, v...), true)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(format string, v ...interface{}) {
	if l.enabled(LogLevelWarn) {
		l.write(zapcore.WarnLevel, "WARNING: "+fmt.Sprintf(format, v...), true)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, v ...interface{}) {
	if l.enabled(LogLevelInfo) {
		l.write(zapcore.InfoLevel, "INFO: "+fmt.Sprintf(format, v...), false)
	}
}

// Verbose logs a verbose message
func (l *Logger) Verbose(format string, v ...interface{}) {
	if l.enabled(LogLevelVerbose) {
		l.write(zapcore.InfoLevel, "VERBOSE: "+fmt.Sprintf(format, v...), false)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, v ...interface{}) {
	if l.enabled(LogLevelDebug) {
		l.write(zapcore.DebugLevel, "DEBUG: "+fmt.Sprintf(format, v...), false)
	}
}

func (l *Logger) enabled(level LogLevel) bool {
	if l == nil {
		return false
	}
	return l.GetLevel() >= level
}

// write sends msg to the file (always) and to the console. Errors and
// warnings reach stderr; the rest reaches stdout only at verbose or above.
func (l *Logger) write(lvl zapcore.Level, msg string, isError bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileLog != nil {
		l.fileLog.Log(lvl, msg)
	}
	if isError || l.level >= LogLevelVerbose {
		l.console.Log(lvl, msg)
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// LogCommand records one command execution on a transport.
func (l *Logger) LogCommand(target, command string, exitCode int, stderr string) {
	if exitCode == 0 && strings.TrimSpace(stderr) != "" {
		l.Warn("command on %s succeeded but wrote to stderr: %s", target, strings.TrimSpace(stderr))
		return
	}
	l.Debug("command on %s exited %d: %s", target, exitCode, command)
}
