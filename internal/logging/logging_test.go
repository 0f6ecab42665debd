package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := WithSymbol(zerolog.New(&buf), "INFY")

	ctx := WithLogger(context.Background(), logger)
	got := FromContext(ctx)
	got.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"symbol":"INFY"`)

	// Without a logger the context yields a disabled one.
	nop := FromContext(context.Background())
	assert.Equal(t, zerolog.Disabled, nop.GetLevel())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"))
}
