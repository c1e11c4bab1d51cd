package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/PaulBabatuyi/securechat/internal/relay"
	"github.com/PaulBabatuyi/securechat/internal/session"
	"github.com/PaulBabatuyi/securechat/internal/wire"
	"github.com/sirupsen/logrus"
)

// ErrChatChanged is returned by OpenChat when another chat was opened while
// it was decrypting.
var ErrChatChanged = errors.New("client: chat changed during load")

// Directory resolves a user's public key.
type Directory interface {
	PublicKey(ctx context.Context, userID string) (keys.PublicKey, error)
}

// View is a decrypted message ready for display.
type View struct {
	ID        string
	From      string
	To        string
	Text      string
	Status    string
	CreatedAt time.Time
	// Failed is set when the ciphertext could not be opened; Text then holds
	// keys.DecryptionPlaceholder.
	Failed bool
}

// Handlers receive session updates. Any of them may be nil. They run on
// the goroutine that called Run and must not block for long.
type Handlers struct {
	Message  func(v View)
	Status   func(messageID, status string)
	Presence func(online []string)
	Typing   func(peerID string, typing bool)
	Call     func(ev CallEvent)
	Error    func(e wire.Error)
}

// Config configures a Session.
type Config struct {
	UserID     string
	PrivateKey keys.PrivateKey
	Directory  Directory
	// Cache defaults to an empty in-memory cache.
	Cache *Cache
	// Persist, when set, is called after every cache change. Receipt is
	// only acknowledged once it succeeds.
	Persist  Persister
	Handlers Handlers
	// Peers enables calls; nil rejects Call().Start and Accept.
	Peers       PeerFactory
	Media       MediaSource
	TypingQuiet time.Duration
	Log         *logrus.Logger
}

// Session is one logged-in client over one event connection.
type Session struct {
	self string
	priv keys.PrivateKey
	pub  keys.PublicKey
	dir  Directory

	t      session.Transport
	sendMu sync.Mutex

	cache   *Cache
	persist Persister
	h       Handlers
	typing  *Typing
	call    *Call
	log     *logrus.Entry

	mu     sync.Mutex
	active string
	gen    uint64
	online map[string]bool
	dirty  bool

	closeOnce sync.Once
}

// New wraps t. The session owns t from here on.
func New(t session.Transport, cfg Config) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errors.New("client: user id required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("client: directory required")
	}
	pub, err := keys.PublicFromPrivate(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	logger := cfg.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Session{
		self:    cfg.UserID,
		priv:    cfg.PrivateKey,
		pub:     pub,
		dir:     cfg.Directory,
		t:       t,
		cache:   cfg.Cache,
		persist: cfg.Persist,
		h:       cfg.Handlers,
		log:     logger.WithFields(logrus.Fields{"component": "client", "user": cfg.UserID}),
		online:  make(map[string]bool),
	}
	if s.cache == nil {
		s.cache = NewCache()
	}
	s.typing = NewTyping(cfg.TypingQuiet, s.send)
	s.call = newCall(s.send, cfg.Peers, cfg.Media, s.h.Call, s.log.WithField("component", "call"))
	return s, nil
}

// UserID returns the logged-in user.
func (s *Session) UserID() string { return s.self }

// Cache returns the local message cache.
func (s *Session) Cache() *Cache { return s.cache }

// Call returns the call controller.
func (s *Session) Call() *Call { return s.call }

// Run reads events until the connection fails or ctx ends, then closes the
// session. The returned error is never nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.t.Close()
		case <-stop:
		}
	}()

	for {
		env, err := s.t.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.HandleEnvelope(ctx, env); err != nil {
			s.log.WithError(err).WithField("event", env.Event).Warn("event not handled")
		}
	}
}

// Close ends any call, closes open typing bursts and the connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.call.Close()
		s.typing.Close()
		_ = s.t.Close()
	})
}

// HandleEnvelope applies one server event.
func (s *Session) HandleEnvelope(ctx context.Context, env wire.Envelope) error {
	switch env.Event {
	case wire.EventReceiveMessage:
		var m wire.Message
		if err := env.Decode(&m); err != nil {
			return err
		}
		return s.receive(m)

	case wire.EventUpdateStatus:
		var u wire.StatusUpdate
		if err := env.Decode(&u); err != nil {
			return err
		}
		s.updateStatus(u)

	case wire.EventOnlineUsers:
		var ids []string
		if err := env.Decode(&ids); err != nil {
			return err
		}
		s.mu.Lock()
		s.online = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.online[id] = true
		}
		s.mu.Unlock()
		if s.h.Presence != nil {
			s.h.Presence(ids)
		}

	case wire.EventUserTyping, wire.EventUserStopTyping:
		var peer string
		if err := env.Decode(&peer); err != nil {
			return err
		}
		if s.h.Typing != nil {
			s.h.Typing(peer, env.Event == wire.EventUserTyping)
		}

	case wire.EventIncomingCall:
		var in wire.IncomingCall
		if err := env.Decode(&in); err != nil {
			return err
		}
		s.call.handleIncoming(in)

	case wire.EventCallAnswered:
		var ans wire.CallAnswered
		if err := env.Decode(&ans); err != nil {
			return err
		}
		s.call.handleAnswered(ans)

	case wire.EventICECandidate:
		var f wire.ICEForward
		if err := env.Decode(&f); err != nil {
			return err
		}
		s.call.handleCandidate(f)

	case wire.EventCallEnded, wire.EventCallBusy, wire.EventUserOffline, wire.EventCallRejectedByUser:
		var n wire.CallNotice
		if len(env.Data) > 0 {
			if err := env.Decode(&n); err != nil {
				return err
			}
		}
		s.call.handleEnded(env.Event, n)

	case wire.EventError:
		var e wire.Error
		if err := env.Decode(&e); err != nil {
			return err
		}
		s.log.WithFields(logrus.Fields{"code": e.Code, "event": e.Event}).Warn(e.Message)
		if s.h.Error != nil {
			s.h.Error(e)
		}

	default:
		s.log.WithField("event", env.Event).Debug("unknown event ignored")
	}
	return nil
}

// receive stores m, acknowledges it when we are the receiver and renders
// it. A message already in the cache is acknowledged again (the relay still
// holds it) but not rendered twice.
func (s *Session) receive(m wire.Message) error {
	if m.Sender != s.self && m.Receiver != s.self {
		return fmt.Errorf("message %s is not addressed to us", m.ID)
	}
	added := s.cache.Add(m)
	changed := added
	if !added {
		_, changed = s.cache.SetStatus(m.ID, m.Status)
	}
	if err := s.save(changed); err != nil {
		return err
	}

	inbound := m.Receiver == s.self && m.Sender != s.self
	if inbound {
		if err := s.send(wire.EventMessageStoredLocally, m.ID); err != nil {
			return err
		}
	}
	if !added {
		return nil
	}

	peer := m.Receiver
	if inbound {
		peer = m.Sender
	}
	s.mu.Lock()
	open := s.active == peer
	s.mu.Unlock()
	if open && inbound && relay.Status(m.Status).Before(relay.StatusSeen) {
		if err := s.markSeen(m.ID); err != nil {
			return err
		}
		m, _ = s.cache.Get(m.ID)
	}
	if s.h.Message != nil {
		s.h.Message(s.decrypt(m))
	}
	return nil
}

// markSeen tells the relay we read id and records it locally so reopening
// the chat does not report it again.
func (s *Session) markSeen(id string) error {
	if err := s.send(wire.EventMessageSeen, id); err != nil {
		return err
	}
	_, changed := s.cache.SetStatus(id, string(relay.StatusSeen))
	if err := s.save(changed); err != nil {
		s.log.WithError(err).Warn("seen status not persisted")
	}
	return nil
}

func (s *Session) updateStatus(u wire.StatusUpdate) {
	if _, changed := s.cache.SetStatus(u.MessageID, u.Status); !changed {
		return
	}
	if err := s.save(true); err != nil {
		s.log.WithError(err).Warn("status not persisted")
	}
	if s.h.Status != nil {
		s.h.Status(u.MessageID, u.Status)
	}
}

// save persists the cache when it changed or an earlier save failed.
func (s *Session) save(changed bool) error {
	if s.persist == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !changed && !s.dirty {
		return nil
	}
	if err := s.persist.Save(s.cache); err != nil {
		s.dirty = true
		return fmt.Errorf("persist cache: %w", err)
	}
	s.dirty = false
	return nil
}

// decrypt opens our copy of m. Failures render the placeholder.
func (s *Session) decrypt(m wire.Message) View {
	v, err := Render(s.self, s.priv, m)
	if err != nil {
		s.log.WithError(err).WithField("message", m.ID).Debug("decrypt failed")
	}
	return v
}

// Render opens whichever copy of m belongs to self. A message that cannot be
// opened still renders, with keys.DecryptionPlaceholder as its text.
func Render(self string, priv keys.PrivateKey, m wire.Message) (View, error) {
	v := View{ID: m.ID, From: m.Sender, To: m.Receiver, Status: m.Status, CreatedAt: m.CreatedAt}
	ct := m.EncReceiver
	if m.Sender == self {
		ct = m.EncSender
	}
	pt, err := keys.DecryptWith(ct, priv)
	if err != nil {
		v.Text, v.Failed = keys.DecryptionPlaceholder, true
		return v, err
	}
	v.Text = string(pt)
	return v, nil
}

// Send encrypts text for peerID and for ourselves and submits it. The
// message enters the cache when the relay echoes it back with its id.
func (s *Session) Send(ctx context.Context, peerID, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("client: empty message")
	}
	peerPub, err := s.dir.PublicKey(ctx, peerID)
	if err != nil {
		return fmt.Errorf("public key for %s: %w", peerID, err)
	}
	encSender, encReceiver, err := keys.EncryptMessage(text, s.pub, peerPub)
	if err != nil {
		return err
	}
	s.typing.Stop(peerID)
	return s.send(wire.EventSendMessage, wire.SendMessage{ReceiverID: peerID, EncReceiver: encReceiver, EncSender: encSender})
}

// Keystroke feeds the typing debouncer for the chat with peerID.
func (s *Session) Keystroke(peerID string) { s.typing.Keystroke(peerID) }

// OpenChat makes peerID the active chat and returns its decrypted
// messages. Unseen messages from peerID are marked seen. If another chat is
// opened before decryption finishes, ErrChatChanged is returned and nothing
// is marked.
func (s *Session) OpenChat(ctx context.Context, peerID string) ([]View, error) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.active = peerID
	s.mu.Unlock()

	msgs := s.cache.Conversation(s.self, peerID)
	views := make([]View, 0, len(msgs))
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		views = append(views, s.decrypt(m))
		if !s.current(gen) {
			return nil, ErrChatChanged
		}
	}
	if !s.current(gen) {
		return nil, ErrChatChanged
	}

	for _, m := range msgs {
		if m.Sender == peerID && m.Receiver == s.self && relay.Status(m.Status).Before(relay.StatusSeen) {
			if err := s.markSeen(m.ID); err != nil {
				return views, err
			}
		}
	}
	return views, nil
}

// CloseChat leaves the active chat.
func (s *Session) CloseChat() {
	s.mu.Lock()
	s.gen++
	s.active = ""
	s.mu.Unlock()
}

// ActiveChat returns the open chat's peer.
func (s *Session) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Online reports whether userID was in the last presence snapshot.
func (s *Session) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[userID]
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// send serialises writes; a gRPC stream does not allow concurrent SendMsg.
func (s *Session) send(event string, payload any) error {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.t.Send(env)
}
