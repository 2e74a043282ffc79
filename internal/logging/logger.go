// Package logging provides structured logging for multiread runs
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with run-specific structured fields
type Logger struct {
	zlog   zerolog.Logger
	stage  string
	writer *asyncWriter
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter keeps log formatting off the submission path. Messages are
// dropped rather than blocking when the buffer is full.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (n int, err error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var output io.Writer = config.Output
	var aw *asyncWriter
	if !config.Sync {
		aw = newAsyncWriter(config.Output, 1000)
		output = aw
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	return &Logger{zlog: zlog.Level(zerolog.Level(config.Level)), writer: aw}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Close drains buffered messages. Loggers derived with With* share the
// writer of their parent; close only the root logger, and only once.
func (l *Logger) Close() error {
	if l.writer == nil {
		return nil
	}
	return l.writer.Close()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithFile returns a logger tagged with the target file path
func (l *Logger) WithFile(path string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("file", path).Logger(),
		stage:  l.stage,
		writer: l.writer,
	}
}

// WithStage returns a logger tagged with the run stage
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("stage", stage).Logger(),
		stage:  stage,
		writer: l.writer,
	}
}

// WithChunk returns a logger with chunk context
func (l *Logger) WithChunk(index uint32, offset uint64) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Uint32("chunk", index).Uint64("offset", offset).Logger(),
		stage:  l.stage,
		writer: l.writer,
	}
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Err(err).Logger(),
		stage:  l.stage,
		writer: l.writer,
	}
}

// Stage returns the stage set by WithStage, or "".
func (l *Logger) Stage() string {
	return l.stage
}

func withFields(event *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if err, isErr := args[i+1].(error); isErr {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	return event
}

func (l *Logger) Debug(msg string, args ...any) {
	withFields(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	withFields(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	withFields(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	withFields(l.zlog.Error(), args).Msg(msg)
}

// Context-aware logging. The context is attached to the event so hooks can
// read it.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	withFields(l.zlog.Debug().Ctx(ctx), args).Msg(msg)
}

func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	withFields(l.zlog.Info().Ctx(ctx), args).Msg(msg)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	withFields(l.zlog.Warn().Ctx(ctx), args).Msg(msg)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	withFields(l.zlog.Error().Ctx(ctx), args).Msg(msg)
}
