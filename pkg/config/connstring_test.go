package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyStringIsNull(t *testing.T) {
	p, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestParseWSWithRoomAndToken(t *testing.T) {
	p, err := Parse("troparcel://ws/relay.example.com:2468/lab-notebook?token=abc123")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, TransportWS, p.Transport)
	assert.Equal(t, "relay.example.com:2468", p.Target)
	assert.Equal(t, "lab-notebook", p.Room)
	assert.Equal(t, "abc123", p.Token)
}

func TestParseWSSNoRoom(t *testing.T) {
	p, err := Parse("troparcel://wss/relay.example.com")
	require.NoError(t, err)
	assert.Equal(t, TransportWSS, p.Transport)
	assert.Equal(t, "relay.example.com", p.Target)
	assert.Equal(t, "default", p.Room)
}

func TestParseFileDerivesRoomFromDir(t *testing.T) {
	p, err := Parse("troparcel://file/Users/alice/Shared/lab-notebook")
	require.NoError(t, err)
	assert.Equal(t, TransportFile, p.Transport)
	assert.Equal(t, "/Users/alice/Shared/lab-notebook", p.Target)
	assert.Equal(t, "lab-notebook", p.Room)
}

func TestParseSnapshotWithAuth(t *testing.T) {
	p, err := Parse("troparcel://snapshot/https://relay.example.com/state/lab?auth=secret-bearer")
	require.NoError(t, err)
	assert.Equal(t, TransportSnapshot, p.Transport)
	assert.Equal(t, "https://relay.example.com/state/lab", p.Target)
	assert.Equal(t, "secret-bearer", p.Token)
}

func TestParseSnapshotWithoutAuth(t *testing.T) {
	p, err := Parse("troparcel://snapshot/https://relay.example.com/state/lab?format=v2")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com/state/lab?format=v2", p.Target)
	assert.Equal(t, "", p.Token)
}

func TestParseMissingPrefixErrors(t *testing.T) {
	_, err := Parse("ws://relay.example.com")
	require.Error(t, err)
}

func TestParseUnknownTransportErrors(t *testing.T) {
	_, err := Parse("troparcel://carrier-pigeon/x")
	require.Error(t, err)
}

func TestSanitizeRoomNameFallsBackToDefault(t *testing.T) {
	assert.Equal(t, "default", SanitizeRoomName(""))
	assert.Equal(t, "default", SanitizeRoomName("///"))
	assert.True(t, IsDefaultRoomFallback(SanitizeRoomName("")))
}

func TestSanitizeRoomNameStripsUnsafeChars(t *testing.T) {
	assert.Equal(t, "lab-notebook", SanitizeRoomName("lab notebook"))
	assert.Equal(t, "a.b_c-d", SanitizeRoomName("a.b_c-d"))
}
