package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Pretty  bool
	Service string
	Version string
}

func New() zerolog.Logger {
	return NewWithConfig(Config{Level: "info", Service: "ledger", Version: "1.0.0"})
}

// NewWithConfig builds the process logger writing to stdout.
func NewWithConfig(config Config) zerolog.Logger {
	return NewWithWriter(config, os.Stdout)
}

func NewWithWriter(config Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if config.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if config.Service != "" {
		ctx = ctx.Str("service", config.Service)
	}
	if config.Version != "" {
		ctx = ctx.Str("version", config.Version)
	}
	return ctx.Logger()
}
