package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoServer serves a WebSocket endpoint that echoes every frame back.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketOpenSendReceive(t *testing.T) {
	server := newEchoServer(t)
	channel := NewWebSocketChannel(wsURL(server))

	received := make(chan []byte, 1)
	channel.SetMessageHandler(func(data []byte) { received <- data })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, channel.Open(ctx))
	defer channel.Close()

	require.NoError(t, channel.Send([]byte("ping")))

	select {
	case data := <-received:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}
}

func TestWebSocketSendBeforeOpen(t *testing.T) {
	channel := NewWebSocketChannel("ws://127.0.0.1:0")
	err := channel.Send([]byte("data"))
	assert.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestWebSocketSendAfterClose(t *testing.T) {
	server := newEchoServer(t)
	channel := NewWebSocketChannel(wsURL(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, channel.Open(ctx))
	require.NoError(t, channel.Close())

	err := channel.Send([]byte("data"))
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestWebSocketOpenFailsOnBadEndpoint(t *testing.T) {
	channel := NewWebSocketChannel("ws://127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := channel.Open(ctx)
	assert.Error(t, err)
}

func TestWebSocketCloseIdempotent(t *testing.T) {
	server := newEchoServer(t)
	channel := NewWebSocketChannel(wsURL(server))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, channel.Open(ctx))

	require.NoError(t, channel.Close())
	require.NoError(t, channel.Close())
}
