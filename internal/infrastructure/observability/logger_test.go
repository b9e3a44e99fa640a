package observability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)

	logger.Info().Msg("routine")
	logger.Warn().Msg("something off")

	out := buf.String()
	assert.NotContains(t, out, "routine")
	assert.Contains(t, out, "something off")
}

func TestNewLogger_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("loud", &buf)

	logger.Debug().Msg("chatter")
	logger.Info().Msg("visible")

	out := buf.String()
	assert.NotContains(t, out, "chatter")
	assert.Contains(t, out, "visible")
}
