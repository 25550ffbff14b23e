package relaystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoomRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveRoom("room1", []byte("encoded-state")))

	data, ok, err := s.LoadRoom("room1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "encoded-state", string(data))
}

func TestLoadMissingRoomNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.LoadRoom("ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveRoomOverwrites(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveRoom("room1", []byte("v1")))
	require.NoError(t, s.SaveRoom("room1", []byte("v2")))

	data, ok, err := s.LoadRoom("room1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(data))
}

func TestDeleteRoom(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveRoom("room1", []byte("v1")))
	require.NoError(t, s.DeleteRoom("room1"))

	_, ok, err := s.LoadRoom("room1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoomNamesListsAllStoredRooms(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SaveRoom("room1", []byte("v1")))
	require.NoError(t, s.SaveRoom("room2", []byte("v2")))

	names, err := s.RoomNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room1", "room2"}, names)
}

func TestReopenPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.SaveRoom("room1", []byte("persisted")))
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	data, ok, err := s2.LoadRoom("room1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", string(data))
}
