package observability

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the root logger every component derives from. The level
// string comes from config; an unknown level falls back to info rather than
// failing startup.
func NewLogger(level string, output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stdout
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
