package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/config"
)

// New returns a configured zerolog.Logger, console-formatted in development
// and JSON in production, matching the teacher's logger.New(cfg) shape.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
