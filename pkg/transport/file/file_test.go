package file

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troparcel/sync/pkg/transport"
)

func transportEvents(onUpdate func(update []byte)) transport.Events {
	return transport.Events{OnUpdate: onUpdate}
}

func TestFileTransportDeliversPeerUpdates(t *testing.T) {
	dir := t.TempDir()

	a := New(Config{Dir: dir, PollInterval: 20 * time.Millisecond})
	b := New(Config{Dir: dir, PollInterval: 20 * time.Millisecond})

	var mu sync.Mutex
	var received [][]byte
	events := transportEvents(func(update []byte) {
		mu.Lock()
		received = append(received, update)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Connect(ctx, nil, events))
	require.NoError(t, b.Connect(ctx, nil, transportEvents(nil)))

	require.NoError(t, b.Send([]byte("hello from b")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte("hello from b"), received[0])
	mu.Unlock()
}

func TestFileTransportIgnoresOwnUpdate(t *testing.T) {
	dir := t.TempDir()
	a := New(Config{Dir: dir, PollInterval: 20 * time.Millisecond})

	var mu sync.Mutex
	var count int
	events := transportEvents(func([]byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Connect(ctx, nil, events))
	require.NoError(t, a.Send([]byte("self")))

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()
}

func TestFileTransportDestroyRemovesOwnFile(t *testing.T) {
	dir := t.TempDir()
	a := New(Config{Dir: dir, PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Connect(ctx, nil, transportEvents(nil)))
	require.NoError(t, a.Send([]byte("data")))
	require.NoError(t, a.Destroy())
}
