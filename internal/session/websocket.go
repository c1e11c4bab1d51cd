package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	closeGraceWait = time.Second
)

// maxFrameSize fits a frame carrying both ciphertext copies, which travel
// base64 encoded inside the JSON envelope, plus the other fields.
var maxFrameSize = int64(2*base64.StdEncoding.EncodedLen(wire.MaxCiphertextSize) + 4096)

// WebSocketTransport carries envelopes as JSON text frames. It works on both
// ends of a gorilla/websocket connection.
type WebSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	stop    chan struct{}
}

// NewWebSocketTransport takes ownership of conn and starts its keepalive.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{conn: conn, stop: make(chan struct{})}
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.pingLoop()
	return t
}

func (t *WebSocketTransport) Recv(_ context.Context) (wire.Envelope, error) {
	var env wire.Envelope
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			return wire.Envelope{}, err
		}
		// any frame counts as liveness
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(data, &env); err != nil {
			// surfaces as an unknown event; the connection stays up
			return wire.Envelope{}, nil
		}
		return env, nil
	}
}

func (t *WebSocketTransport) Send(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGraceWait))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMu.Unlock()
			if err != nil {
				_ = t.Close()
				return
			}
		case <-t.stop:
			return
		}
	}
}
