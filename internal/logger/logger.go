// Package logger configures the process-wide zerolog logger.
package logger

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls log level, format and destinations. Format is "console"
// or "json"; MaxSize is in MB and MaxAge in days.
type Config struct {
	Level     string   `json:"level" mapstructure:"level" yaml:"level"`
	Format    string   `json:"format" mapstructure:"format" yaml:"format"`
	File      string   `json:"file" mapstructure:"file" yaml:"file"`
	MaxSize   int      `json:"max_size" mapstructure:"max_size" yaml:"max_size"`
	MaxAge    int      `json:"max_age" mapstructure:"max_age" yaml:"max_age"`
	Compress  bool     `json:"compress" mapstructure:"compress" yaml:"compress"`
	Redaction bool     `json:"redaction" mapstructure:"redaction" yaml:"redaction"`
	Patterns  []string `json:"redact_patterns,omitempty" mapstructure:"redact_patterns" yaml:"redact_patterns,omitempty"`
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "console",
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
		Redaction: true,
	}
}

// Logger owns the writers behind the global logger.
type Logger struct {
	zerolog.Logger
	closers []io.Closer
}

// New builds a logger from cfg and installs it as the global log.Logger.
// Console output goes to stderr so command output on stdout stays clean.
func New(cfg Config) (*Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, console io.Writer) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = console
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	l := &Logger{}
	writers := []io.Writer{out}
	if cfg.File != "" {
		rw, err := NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, err
		}
		writers = append(writers, rw)
		l.closers = append(l.closers, rw)
	}

	var w io.Writer = zerolog.MultiLevelWriter(writers...)
	if cfg.Redaction {
		r := NewRedactor()
		for _, p := range cfg.Patterns {
			if err := r.AddPattern(p); err != nil {
				l.Close()
				return nil, err
			}
		}
		w = r.Wrap(w)
	}

	l.Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = l.Logger
	return l, nil
}

// Close flushes and closes file outputs.
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	l.closers = nil
	return errors.Join(errs...)
}
