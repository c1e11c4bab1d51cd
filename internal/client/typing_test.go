package client

import (
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) send(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+payload.(string))
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestTypingDebounce(t *testing.T) {
	rec := &recorder{}
	ty := NewTyping(100*time.Millisecond, rec.send)

	for i := 0; i < 5; i++ {
		ty.Keystroke("bob")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []string{wire.EventTyping + ":bob"}, rec.got())
	assert.True(t, ty.Active("bob"))

	assert.Eventually(t, func() bool { return !ty.Active("bob") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{wire.EventTyping + ":bob", wire.EventStopTyping + ":bob"}, rec.got())

	// a new burst starts with typing again
	ty.Keystroke("bob")
	assert.Equal(t, wire.EventTyping+":bob", rec.got()[2])
	ty.Stop("bob")
	ty.Stop("bob")
	assert.Len(t, rec.got(), 4)
}

func TestTypingPerPeerAndClose(t *testing.T) {
	rec := &recorder{}
	ty := NewTyping(time.Hour, rec.send)

	ty.Keystroke("bob")
	ty.Keystroke("carol")
	ty.Keystroke("bob")
	assert.ElementsMatch(t, []string{wire.EventTyping + ":bob", wire.EventTyping + ":carol"}, rec.got())

	ty.Close()
	assert.ElementsMatch(t, []string{
		wire.EventTyping + ":bob", wire.EventTyping + ":carol",
		wire.EventStopTyping + ":bob", wire.EventStopTyping + ":carol",
	}, rec.got())

	ty.Keystroke("bob")
	assert.Len(t, rec.got(), 4, "closed debouncer is silent")
}

func TestTypingDefaultQuiet(t *testing.T) {
	ty := NewTyping(0, (&recorder{}).send)
	assert.Equal(t, DefaultTypingQuiet, ty.quiet)
}
