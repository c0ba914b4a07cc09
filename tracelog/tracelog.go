// Package tracelog wires the structured logger used for every
// operational event (accept, instance create/destroy, setup failure)
// and the raw per-message trace line emitted by the forwarding
// discipline (spec.md §4.5). The two are independent: trace lines
// always go to the configured trace sink regardless of log level, logs
// go through the leveled zap pipeline below.
package tracelog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the leveled operational logger.
type Config struct {
	// Level is the minimum level emitted, e.g. "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format selects the zap encoding: "console" (human) or "json".
	Format string `yaml:"format"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: "console"}
}

// Init builds a SugaredLogger per cfg. Unknown levels/formats are
// configuration errors, fatal at startup per spec.md §7.
func Init(cfg Config) (*zap.SugaredLogger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("tracelog: bad log level %q: %w", cfg.Level, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoding string
	switch cfg.Format {
	case "", "console":
		encoding = "console"
	case "json":
		encoding = "json"
	default:
		return nil, fmt.Errorf("tracelog: unknown log format %q (want console or json)", cfg.Format)
	}

	zcfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("tracelog: build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// TraceSink is where rendered trace lines (spec.md §4.5 step 1) go —
// deliberately separate from the leveled logger, since trace output is
// the program's primary product and must not be suppressed by a
// --log-level above its own notion of severity, nor structured as JSON
// log records. mu serializes Line calls on this sink only. Each
// instance gets its own TraceSink, so mu does not order writes from
// different instances sharing one underlying writer (the process's
// single -o/--output); the event loop wraps that writer in its own
// mutex for that.
type TraceSink struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

// NewTraceSink wraps w (stdout, or the --output file) as a trace sink
// for one instance, prefixing every line with the instance's numeric
// id for log-line context (SPEC_FULL.md's "Instance identity" expansion).
func NewTraceSink(w io.Writer, instanceID int) *TraceSink {
	return &TraceSink{w: w, prefix: fmt.Sprintf("[%d] ", instanceID)}
}

// Line writes one already-rendered trace line, newline-terminated.
func (s *TraceSink) Line(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s%s\n", s.prefix, line)
}

// OpenOutput opens path for trace output, or returns os.Stdout if path
// is empty (the CLI's default, unset -o/--output).
func OpenOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("tracelog: create output %s: %w", path, err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
