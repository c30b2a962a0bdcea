package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterTagsServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewWithWriter(&buf, "walletchat"), "session")

	log.Info().Str("state", "active").Msg("state changed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "walletchat", line["service"])
	require.Equal(t, "session", line["component"])
	require.Equal(t, "active", line["state"])
	require.Contains(t, line, "time")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
}

func TestStackAttachedToErrorEvents(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "walletchat")

	log.Error().Stack().Err(errors.New("disk full")).Msg("archive write failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "disk full", line["error"])
	frames, ok := line["stack"].([]any)
	require.True(t, ok, "stack field missing: %s", buf.String())
	require.NotEmpty(t, frames)

	buf.Reset()
	log.Error().Err(errors.New("plain")).Msg("no stack requested")
	line = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.NotContains(t, line, "stack")
}

func TestNewWritesToStderr(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stderr := os.Stderr
	os.Stderr = w
	log := New("walletchat")
	os.Stderr = stderr

	log.Info().Msg("hello")
	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Contains(t, string(out), `"message":"hello"`)
}
