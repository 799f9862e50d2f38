package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/siggen/config"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := build(config.LoggingConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("hidden")
	logger.Warn().Str("generator", "sig1").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	require.Equal(t, "visible", entry["message"])
	require.Equal(t, "sig1", entry["generator"])
	require.Equal(t, "warn", entry["level"])
	require.Contains(t, entry, "time")
}

func TestSetupText(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := build(config.LoggingConfig{Format: "text"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("generator started")
	require.Contains(t, buf.String(), "generator started")
	require.Contains(t, buf.String(), "INF")
	require.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestSetupRejectsInvalidSettings(t *testing.T) {
	_, _, err := Setup(config.LoggingConfig{Level: "loud"})
	require.Error(t, err)

	_, _, err = Setup(config.LoggingConfig{Format: "xml"})
	require.ErrorContains(t, err, "unsupported log format")

	_, _, err = Setup(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}})
	require.ErrorContains(t, err, "loki url is required")
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	level, err := parseLevel("  ")
	require.NoError(t, err)
	require.Equal(t, zerolog.InfoLevel, level)

	level, err = parseLevel("DEBUG")
	require.NoError(t, err)
	require.Equal(t, zerolog.DebugLevel, level)
}
