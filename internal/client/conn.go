package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PaulBabatuyi/securechat/internal/session"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// EventsURL turns the API base URL into the WebSocket endpoint.
func EventsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// DialError is a rejected WebSocket handshake.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial events: status %d: %v", e.Status, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Dial opens the event WebSocket, authenticating with token.
func Dial(ctx context.Context, wsURL, token string) (*session.WebSocketTransport, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, h)
	if err != nil {
		if resp != nil {
			return nil, &DialError{Status: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return session.NewWebSocketTransport(conn), nil
}

// DialStream opens the gRPC event stream on cc. The stream lives until the
// returned transport is closed or ctx ends.
func DialStream(ctx context.Context, cc grpc.ClientConnInterface, token string) (*session.StreamTransport, error) {
	ctx, cancel := context.WithCancel(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	desc := &grpc.StreamDesc{StreamName: wire.StreamName, ServerStreams: true, ClientStreams: true}
	cs, err := cc.NewStream(ctx, desc, wire.EventsMethod, grpc.CallContentSubtype(wire.CodecName))
	if err != nil {
		cancel()
		return nil, err
	}
	return session.NewStreamTransport(cs, cancel), nil
}
