package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNew_DefaultsToInfo(t *testing.T) {
	log := New(Options{Out: &bytes.Buffer{}})
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

func TestNew_JSONLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{Level: "warn", Format: "json", Out: buf})

	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"message":"kept"`)
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	log := FromContext(ctx)
	log.Info().Msg("test")

	assert.NotZero(t, buf.Len())
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	prev := Default()
	SetDefault(NewWithWriter(buf))
	t.Cleanup(func() { SetDefault(prev) })

	log := FromContext(context.Background())
	log.Info().Msg("from default")

	assert.Contains(t, buf.String(), "from default")
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]interface{}{
		"session_id": "s-1",
		"action":     "test",
	})
	log.Info().Msg("test message")

	assert.Contains(t, buf.String(), `"session_id":"s-1"`)
	assert.Contains(t, buf.String(), `"action":"test"`)
}
