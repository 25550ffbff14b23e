package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerConfigResolveFromConnString(t *testing.T) {
	pc := PeerConfig{ConnString: "troparcel://ws/relay.example.com/lab?token=tok1"}
	p, err := pc.Resolve()
	require.NoError(t, err)
	assert.Equal(t, TransportWS, p.Transport)
	assert.Equal(t, "relay.example.com", p.Target)
	assert.Equal(t, "lab", p.Room)
	assert.Equal(t, "tok1", p.Token)
}

func TestPeerConfigOverridesWinOverConnString(t *testing.T) {
	pc := PeerConfig{
		ConnString: "troparcel://ws/relay.example.com/lab?token=tok1",
		Token:      "tok2-override",
		Room:       "other-room",
	}
	p, err := pc.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "tok2-override", p.Token)
	assert.Equal(t, "other-room", p.Room)
	assert.Equal(t, "relay.example.com", p.Target)
}

func TestPeerConfigFieldsOnlyNoConnString(t *testing.T) {
	pc := PeerConfig{
		Transport: TransportFile,
		Target:    "/tmp/lab-sync",
		Room:      "lab-sync",
	}
	p, err := pc.Resolve()
	require.NoError(t, err)
	assert.Equal(t, TransportFile, p.Transport)
	assert.Equal(t, "/tmp/lab-sync", p.Target)
}

func TestPeerConfigResolveErrorsWithoutTransport(t *testing.T) {
	_, err := PeerConfig{}.Resolve()
	require.Error(t, err)
}

func TestPeerConfigResolveErrorsWithoutTarget(t *testing.T) {
	_, err := PeerConfig{Transport: TransportWS}.Resolve()
	require.Error(t, err)
}
