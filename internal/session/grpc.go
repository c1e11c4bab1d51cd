package session

import (
	"context"
	"sync"

	"github.com/PaulBabatuyi/securechat/internal/wire"
)

// Stream is the subset of grpc.ServerStream and grpc.ClientStream used to
// carry envelopes.
type Stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// StreamTransport adapts a bidirectional gRPC stream. Messages are encoded
// with the json codec registered by package wire.
type StreamTransport struct {
	stream Stream
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	frames    chan recvResult
	done      chan struct{}
}

type recvResult struct {
	env wire.Envelope
	err error
}

// NewStreamTransport wraps s. cancel, when non-nil, is invoked by Close; a
// client passes the cancel of its call context. On the server the stream
// ends when the handler returns after Close.
func NewStreamTransport(s Stream, cancel context.CancelFunc) *StreamTransport {
	return &StreamTransport{
		stream: s,
		cancel: cancel,
		frames: make(chan recvResult),
		done:   make(chan struct{}),
	}
}

// Recv returns the next envelope. It returns ErrClosed once Close was called
// even while the underlying RecvMsg is still blocked.
func (t *StreamTransport) Recv(ctx context.Context) (wire.Envelope, error) {
	t.startOnce.Do(func() { go t.pump() })
	select {
	case r, ok := <-t.frames:
		if !ok {
			return wire.Envelope{}, ErrClosed
		}
		return r.env, r.err
	case <-t.done:
		return wire.Envelope{}, ErrClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

func (t *StreamTransport) pump() {
	defer close(t.frames)
	for {
		var env wire.Envelope
		err := t.stream.RecvMsg(&env)
		select {
		case t.frames <- recvResult{env: env, err: err}:
		case <-t.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *StreamTransport) Send(env wire.Envelope) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return t.stream.SendMsg(&env)
}

func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}
