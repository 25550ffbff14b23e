package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troparcel/sync/pkg/transport"
)

var upgrader = websocket.Upgrader{}

func echoServer(t *testing.T, gotToken *string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotToken != nil {
			*gotToken = r.URL.Query().Get("token")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(t *testing.T, httpURL string) string {
	u, err := url.Parse(httpURL)
	require.NoError(t, err)
	return "ws://" + u.Host
}

func TestWSAdapterSendAndReceive(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	a := New(Config{URL: wsURL(t, srv.URL)})

	var mu sync.Mutex
	var received [][]byte
	events := transport.Events{OnUpdate: func(update []byte) {
		mu.Lock()
		received = append(received, update)
		mu.Unlock()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Connect(ctx, nil, events))
	defer a.Destroy()

	require.NoError(t, a.Send([]byte("roundtrip")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "roundtrip", string(received[0]))
	mu.Unlock()
}

func TestWSAdapterSendsTokenInURL(t *testing.T) {
	var gotToken string
	srv := echoServer(t, &gotToken)
	defer srv.Close()

	a := New(Config{URL: wsURL(t, srv.URL), Token: "abc123"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Connect(ctx, nil, transport.Events{}))
	defer a.Destroy()

	assert.Equal(t, "abc123", gotToken)
}

func TestWSAdapterDisconnectReportsStatus(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()

	a := New(Config{URL: wsURL(t, srv.URL)})

	var mu sync.Mutex
	var statuses []transport.Status
	events := transport.Events{OnStatus: func(s transport.Status, err error) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Connect(ctx, nil, events))
	require.NoError(t, a.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, transport.StatusConnecting, statuses[0])
	assert.Equal(t, transport.StatusConnected, statuses[1])
}

func TestWSAdapterSendBeforeConnectErrors(t *testing.T) {
	a := New(Config{URL: "ws://127.0.0.1:1/nope"})
	err := a.Send([]byte("x"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not connected"))
}
