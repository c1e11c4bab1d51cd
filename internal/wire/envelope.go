package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RawJSON carries an opaque JSON value (session descriptions, ICE candidates).
type RawJSON = json.RawMessage

// Envelope is the frame exchanged on every transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented by every validated client to server payload.
type Inbound interface {
	inbound()
}

func (*SendMessage) inbound()   {}
func (*StoredLocally) inbound() {}
func (*Seen) inbound()          {}
func (*Typing) inbound()        {}
func (*CallUser) inbound()      {}
func (*AnswerCall) inbound()    {}
func (*ICECandidate) inbound()  {}
func (*EndCall) inbound()       {}

// ErrUnknownEvent is returned by ParseInbound for an unrecognised event name.
var ErrUnknownEvent = errors.New("unknown event")

// ValidationError reports a payload that failed to decode or validate.
type ValidationError struct {
	Event string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ParseInbound decodes and validates a client event into its tagged variant.
func ParseInbound(env Envelope) (Inbound, error) {
	var (
		in  Inbound
		err error
	)
	switch env.Event {
	case EventSendMessage:
		p := &SendMessage{}
		err = decodeStruct(env, p)
		in = p
	case EventMessageStoredLocally:
		var id string
		id, err = decodeString(env)
		in = &StoredLocally{MessageID: id}
	case EventMessageSeen:
		var id string
		id, err = decodeString(env)
		in = &Seen{MessageID: id}
	case EventTyping, EventStopTyping:
		var peer string
		peer, err = decodeString(env)
		in = &Typing{PeerID: peer, Stopped: env.Event == EventStopTyping}
	case EventCallUser:
		p := &CallUser{}
		err = decodeStruct(env, p)
		in = p
	case EventAnswerCall:
		p := &AnswerCall{}
		err = decodeStruct(env, p)
		in = p
	case EventICECandidate:
		p := &ICECandidate{}
		err = decodeStruct(env, p)
		in = p
	case EventEndCall, EventCallRejected:
		p := &EndCall{}
		if len(env.Data) > 0 && string(env.Data) != "null" {
			err = decodeStruct(env, p)
		}
		p.Rejected = env.Event == EventCallRejected
		in = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, &ValidationError{Event: env.Event, Err: err}
	}
	if err := validate.Struct(in); err != nil {
		return nil, &ValidationError{Event: env.Event, Err: err}
	}
	return in, nil
}

func decodeStruct(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(env.Data, v)
}

// decodeString accepts the bare-string payloads used for ids. A value that
// is not a JSON string is rejected.
func decodeString(env Envelope) (string, error) {
	if len(env.Data) == 0 {
		return "", errors.New("missing data")
	}
	var s string
	if err := json.Unmarshal(env.Data, &s); err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

// NewEnvelope marshals payload under event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the envelope data into v without validation. Clients use
// it for server events.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// must is used for payloads built from already-validated values, where
// marshalling cannot fail. A failure still yields a well-formed frame.
func must(event string, payload any) Envelope {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		env, _ = NewEnvelope(EventError, Error{Code: CodeInternal, Event: event, Message: err.Error()})
	}
	return env
}

// ReceiveMessage builds a receive_message frame.
func ReceiveMessage(m Message) Envelope { return must(EventReceiveMessage, m) }

// UpdateStatus builds an update_status frame.
func UpdateStatus(messageID, status string) Envelope {
	return must(EventUpdateStatus, StatusUpdate{MessageID: messageID, Status: status})
}

// OnlineUsers builds an online_users frame.
func OnlineUsers(ids []string) Envelope {
	if ids == nil {
		ids = []string{}
	}
	return must(EventOnlineUsers, ids)
}

// UserTyping builds a user_typing or user_stop_typing frame carrying the
// typer's id.
func UserTyping(from string, stopped bool) Envelope {
	if stopped {
		return must(EventUserStopTyping, from)
	}
	return must(EventUserTyping, from)
}

// Notice builds one of the payload-light call notices.
func Notice(event, from string) Envelope { return must(event, CallNotice{From: from}) }

// Incoming builds an incoming-call frame.
func Incoming(from string, offer RawJSON, kind string) Envelope {
	return must(EventIncomingCall, IncomingCall{From: from, Offer: offer, Type: kind})
}

// Answered builds a call-answered frame.
func Answered(from string, answer RawJSON) Envelope {
	return must(EventCallAnswered, CallAnswered{From: from, Answer: answer})
}

// Candidate builds a server to client ice-candidate frame.
func Candidate(from string, candidate RawJSON) Envelope {
	return must(EventICECandidate, ICEForward{From: from, Candidate: candidate})
}

// Failure builds an error frame.
func Failure(code, event, msg string) Envelope {
	return must(EventError, Error{Code: code, Event: event, Message: msg})
}
