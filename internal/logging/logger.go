// Package logging provides structured logging with rotating file and console
// output and an in-memory history of recent entries.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of history
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// Config holds logger configuration
type Config struct {
	// Dir is the directory for log files. Empty disables file output.
	Dir        string   `mapstructure:"dir" yaml:"dir"`
	File       string   `mapstructure:"file" yaml:"file"`
	Level      LogLevel `mapstructure:"level" yaml:"level"`
	MaxHistory int      `mapstructure:"max_history" yaml:"max_history"`
	Console    bool     `mapstructure:"console" yaml:"console"`

	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Dir:        filepath.Join(home, ".avatarengine", "logs"),
		File:       "avatarengine.log",
		Level:      LevelInfo,
		MaxHistory: 1000,
		Console:    true,
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

// Logger wraps zerolog with file output and log history
type Logger struct {
	zlog    zerolog.Logger
	file    *lumberjack.Logger
	logPath string
	hist    *history
}

// New creates a new Logger. Every entry written through it or through a
// Component logger also lands in the history.
func New(cfg Config) (*Logger, error) {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 1000
	}
	hist := &history{max: cfg.MaxHistory}
	writers := []io.Writer{hist}

	l := &Logger{hist: hist}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := cfg.File
		if name == "" {
			name = "avatarengine.log"
		}
		l.logPath = filepath.Join(cfg.Dir, name)
		l.file = &lumberjack.Logger{
			Filename:   l.logPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		writers = append(writers, l.file)
	}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	l.zlog = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().
		Timestamp().
		Str("app", "avatarengine").
		Logger()

	l.zlog.Debug().Str("component", "logging").Str("file", l.logPath).Str("level", level.String()).Msg("logger initialized")
	return l, nil
}

// ParseLevel maps a config level to zerolog. Empty means info.
func ParseLevel(level LogLevel) (zerolog.Level, error) {
	switch strings.ToLower(string(level)) {
	case "", string(LevelInfo):
		return zerolog.InfoLevel, nil
	case string(LevelDebug):
		return zerolog.DebugLevel, nil
	case string(LevelWarn):
		return zerolog.WarnLevel, nil
	case string(LevelError):
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// SetOnLog sets a callback for real-time log streaming
func (l *Logger) SetOnLog(fn func(LogEntry)) {
	l.hist.mu.Lock()
	defer l.hist.mu.Unlock()
	l.hist.onLog = fn
}

// GetHistory returns up to limit recent entries, oldest first. A limit of
// zero or less returns everything kept.
func (l *Logger) GetHistory(limit int) []LogEntry {
	return l.hist.recent(limit)
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close closes the log file
func (l *Logger) Close() error {
	l.zlog.Debug().Str("component", "logging").Msg("logger shutting down")
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Component returns a zerolog.Logger with the component field set
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// history keeps the last max entries decoded from zerolog's JSON output.
type history struct {
	mu      sync.RWMutex
	entries []LogEntry
	max     int
	onLog   func(LogEntry)
}

var reservedFields = map[string]bool{
	zerolog.TimestampFieldName: true,
	zerolog.LevelFieldName:     true,
	zerolog.MessageFieldName:   true,
	"component":                true,
	"app":                      true,
}

func (h *history) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}
	entry := LogEntry{
		Timestamp: str(fields[zerolog.TimestampFieldName]),
		Level:     str(fields[zerolog.LevelFieldName]),
		Component: str(fields["component"]),
		Message:   str(fields[zerolog.MessageFieldName]),
		Data:      formatData(fields),
	}

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	onLog := h.onLog
	h.mu.Unlock()

	if onLog != nil {
		go onLog(entry)
	}
	return len(p), nil
}

func (h *history) recent(limit int) []LogEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	result := make([]LogEntry, limit)
	copy(result, h.entries[len(h.entries)-limit:])
	return result
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// formatData renders the non-reserved fields as sorted key=value pairs
func formatData(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !reservedFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, ", ")
}
