package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRelayEnv(t *testing.T) {
	vars := []string{
		"PORT", "HOST", "PERSISTENCE_DIR", "AUTH_TOKENS", "MAX_ROOMS",
		"MAX_CONNS_PER_IP", "MONITOR_ORIGIN", "MONITOR_TOKEN",
		"MIN_TOKEN_LENGTH", "COMPACTION_HOURS", "TOMBSTONE_MAX_DAYS",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}

func TestDefaultRelayConfigValues(t *testing.T) {
	cfg := DefaultRelayConfig()
	assert.Equal(t, 2468, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 100, cfg.MaxRooms)
	assert.Equal(t, 10, cfg.MaxConnsPerIP)
	assert.Equal(t, 16, cfg.MinTokenLength)
	assert.Equal(t, 6*time.Hour, cfg.CompactionEvery)
	assert.Equal(t, 30*24*time.Hour, cfg.TombstoneMaxAge)
}

func TestLoadRelayConfigFromEnvOverrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("MAX_ROOMS", "5")
	t.Setenv("MAX_CONNS_PER_IP", "2")
	t.Setenv("MIN_TOKEN_LENGTH", "24")
	t.Setenv("COMPACTION_HOURS", "12")
	t.Setenv("TOMBSTONE_MAX_DAYS", "7")
	t.Setenv("AUTH_TOKENS", "lab-notebook:secret1,other room:secret2")

	cfg, err := LoadRelayConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 5, cfg.MaxRooms)
	assert.Equal(t, 2, cfg.MaxConnsPerIP)
	assert.Equal(t, 24, cfg.MinTokenLength)
	assert.Equal(t, 12*time.Hour, cfg.CompactionEvery)
	assert.Equal(t, 7*24*time.Hour, cfg.TombstoneMaxAge)
	assert.Equal(t, "secret1", cfg.AuthTokens["lab-notebook"])
	assert.Equal(t, "secret2", cfg.AuthTokens["other-room"])
}

func TestLoadRelayConfigFromEnvBadPortErrors(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("PORT", "not-a-number")
	_, err := LoadRelayConfigFromEnv()
	require.Error(t, err)
}

func TestParseAuthTokensRejectsMissingColon(t *testing.T) {
	_, err := ParseAuthTokens("room-without-token")
	require.Error(t, err)
}

func TestParseAuthTokensSkipsBlankEntries(t *testing.T) {
	tokens, err := ParseAuthTokens("room1:tok1,,room2:tok2")
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestLoadAuthTokensFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.yaml")
	content := "rooms:\n  lab-notebook: secret1\n  other-room: secret2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	tokens, err := LoadAuthTokensFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret1", tokens["lab-notebook"])
	assert.Equal(t, "secret2", tokens["other-room"])
}

func TestLoadAuthTokensFromFileMissingErrors(t *testing.T) {
	_, err := LoadAuthTokensFromFile("/nonexistent/path/tokens.yaml")
	require.Error(t, err)
}
