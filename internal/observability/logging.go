package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger writing to stdout.
// The level comes from MARGIN_LOG_LEVEL and defaults to info.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, ParseLevel(os.Getenv("MARGIN_LOG_LEVEL")))
}

// NewLoggerTo creates a logger with an explicit sink and level.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown names are info.
func ParseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// ForAccount returns a child logger tagged with a trading account.
func ForAccount(l zerolog.Logger, account common.Address) zerolog.Logger {
	return l.With().Str("account", account.Hex()).Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
