// Package logging wires slog to a rotating log file and an in-memory ring
// buffer. Component loggers resolve the active handler at log time, so
// package-level loggers created before Init still reach the configured sink.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names used as the "component" attribute.
const (
	CompPoller      = "poller"
	CompCoordinator = "coordinator"
	CompClaims      = "claims"
	CompTmux        = "tmux"
	CompWeb         = "web"
	CompAuth        = "auth"
	CompConfig      = "config"
	CompState       = "state"
	CompTelemetry   = "telemetry"
)

// Config holds logging configuration.
type Config struct {
	// Dir is where collab.log is written. Empty with Debug=false discards logs.
	Dir string `toml:"dir"`

	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level"`

	// Format is "json" (default) or "text".
	Format string `toml:"format"`

	// Stderr mirrors records to stderr in addition to the file.
	Stderr bool `toml:"stderr"`

	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`

	// RingBufferSize is the crash-dump buffer size in bytes.
	RingBufferSize int `toml:"ring_buffer_size"`

	// AggregateIntervalSecs is how often aggregated events are summarized.
	AggregateIntervalSecs int `toml:"aggregate_interval_secs"`

	// Pprof serves the runtime profiles on PprofAddr
	// (default localhost:6060).
	Pprof     bool   `toml:"pprof"`
	PprofAddr string `toml:"pprof_addr"`

	Debug bool `toml:"debug"`
}

// LogFileName is the active log file inside Config.Dir.
const LogFileName = "collab.log"

var (
	mu     sync.RWMutex
	logger *slog.Logger
	ring   *RingBuffer
	agg    *Aggregator
	rotor  *lumberjack.Logger
)

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the process-wide logger. Calling it again replaces the
// previous configuration.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	stopProfilerLocked()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 5
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 10
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 4 * 1024 * 1024
	}
	if cfg.AggregateIntervalSecs <= 0 {
		cfg.AggregateIntervalSecs = 30
	}

	if cfg.Dir == "" && !cfg.Debug && !cfg.Stderr {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		ring = NewRingBuffer(1024)
		agg = NewAggregator(nil, cfg.AggregateIntervalSecs)
		return
	}

	ring = NewRingBuffer(cfg.RingBufferSize)
	writers := []io.Writer{ring}
	if cfg.Dir != "" {
		rotor = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, LogFileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotor)
	}
	if cfg.Stderr || cfg.Dir == "" {
		writers = append(writers, os.Stderr)
	}
	out := io.MultiWriter(writers...)

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Debug {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	logger = slog.New(h)

	agg = NewAggregator(logger, cfg.AggregateIntervalSecs)
	agg.Start()

	if cfg.Pprof {
		if cfg.PprofAddr == "" {
			cfg.PprofAddr = DefaultPprofAddr
		}
		srv, addr, err := startProfiler(cfg.PprofAddr)
		if err != nil {
			logger.Warn("pprof_unavailable",
				slog.String("component", CompCoordinator),
				slog.String("addr", cfg.PprofAddr),
				slog.String("error", err.Error()))
		} else {
			profiler = srv
			logger.Info("pprof_listen",
				slog.String("component", CompCoordinator),
				slog.String("addr", addr.String()))
		}
	}
}

// Logger returns the configured logger, or a discarding one before Init.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return logger
}

// ForComponent returns a logger tagged with the given component.
func ForComponent(name string) *slog.Logger {
	return slog.New(&componentHandler{component: name})
}

// componentHandler delegates to the current global handler on every call.
type componentHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return &componentHandler{component: h.component, attrs: h.attrs, group: name}
}

// Aggregate counts a high-frequency event; a summary is logged per interval.
func Aggregate(component, event string, fields ...slog.Attr) {
	mu.RLock()
	a := agg
	mu.RUnlock()
	if a != nil {
		a.Record(component, event, fields...)
	}
}

// DumpRingBuffer writes the buffered recent log output to path.
func DumpRingBuffer(path string) error {
	mu.RLock()
	r := ring
	mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.DumpToFile(path)
}

// Shutdown flushes the aggregator and closes the log file.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if agg != nil {
		agg.Stop()
		agg = nil
	}
	stopProfilerLocked()
	if rotor != nil {
		_ = rotor.Close()
		rotor = nil
	}
	logger = nil
	ring = nil
}
