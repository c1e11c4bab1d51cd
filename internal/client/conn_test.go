package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/session"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsURL(t *testing.T) {
	tests := []struct {
		in, want string
		err      bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{in: "https://chat.example.com/", want: "wss://chat.example.com/ws"},
		{in: "https://chat.example.com/relay", want: "wss://chat.example.com/relay/ws"},
		{in: "ftp://x", err: true},
	}
	for _, tt := range tests {
		got, err := EventsURL(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

// echoServer upgrades requests carrying the expected bearer token and sends
// every frame back.
func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := session.NewWebSocketTransport(conn)
		defer tr.Close()
		for {
			env, err := tr.Recv(context.Background())
			if err != nil {
				return
			}
			if err := tr.Send(env); err != nil {
				return
			}
		}
	}))
}

func TestDialWebSocket(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()
	wsURL, err := EventsURL(srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = Dial(ctx, wsURL, "bad")
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, http.StatusUnauthorized, dialErr.Status)

	tr, err := Dial(ctx, wsURL, "good")
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Send(wire.UserTyping("bob", false)))
	env, err := tr.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.EventUserTyping, env.Event)
	assert.True(t, strings.Contains(string(env.Data), "bob"))
}
