// Package wire defines the event protocol spoken between clients and the
// relay. Event names and payload shapes are a compatibility contract with
// browser clients and must not change.
package wire

import "time"

// Client to server events.
const (
	EventSendMessage          = "send_message"
	EventMessageStoredLocally = "message_stored_locally"
	EventMessageSeen          = "message_seen"
	EventTyping               = "typing"
	EventStopTyping           = "stop_typing"
	EventCallUser             = "call-user"
	EventAnswerCall           = "answer-call"
	EventICECandidate         = "ice-candidate"
	EventEndCall              = "end-call"
	EventCallRejected         = "call-rejected"
)

// Server to client events. ice-candidate is used in both directions.
const (
	EventReceiveMessage     = "receive_message"
	EventUpdateStatus       = "update_status"
	EventUserTyping         = "user_typing"
	EventUserStopTyping     = "user_stop_typing"
	EventOnlineUsers        = "online_users"
	EventIncomingCall       = "incoming-call"
	EventCallAnswered       = "call-answered"
	EventCallEnded          = "call-ended"
	EventCallBusy           = "call-busy"
	EventUserOffline        = "user-offline"
	EventCallRejectedByUser = "call-rejected-by-user"
	EventError              = "error"
)

const (
	// MaxIDLength bounds user and message identifiers.
	MaxIDLength = 64

	// MaxCiphertextSize bounds one encrypted message copy.
	MaxCiphertextSize = 64*1024 + 64
)

// Message is the receive_message payload. Field names follow the stored
// document so browser clients can key on _id.
type Message struct {
	ID          string    `json:"_id"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	EncSender   []byte    `json:"encSender"`
	EncReceiver []byte    `json:"encReceiver"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StatusUpdate is the update_status payload.
type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// SendMessage is the send_message payload.
type SendMessage struct {
	ReceiverID  string `json:"receiverId" validate:"required,max=64"`
	EncReceiver []byte `json:"encReceiver" validate:"required,min=1,max=65600"`
	EncSender   []byte `json:"encSender" validate:"required,min=1,max=65600"`
}

// StoredLocally is the message_stored_locally payload (a bare message id).
type StoredLocally struct {
	MessageID string `validate:"required,max=64"`
}

// Seen is the message_seen payload (a bare message id).
type Seen struct {
	MessageID string `validate:"required,max=64"`
}

// Typing covers typing and stop_typing; the payload is the bare peer id.
type Typing struct {
	PeerID  string `validate:"required,max=64"`
	Stopped bool
}

// CallUser is the call-user payload. Offer is an opaque session description
// checked by the signaling layer.
type CallUser struct {
	To    string  `json:"to" validate:"required,max=64"`
	Offer RawJSON `json:"offer"`
	Type  string  `json:"type,omitempty" validate:"omitempty,oneof=audio video"`
}

// IncomingCall is forwarded to the callee.
type IncomingCall struct {
	From  string  `json:"from"`
	Offer RawJSON `json:"offer"`
	Type  string  `json:"type,omitempty"`
}

// AnswerCall is the answer-call payload.
type AnswerCall struct {
	To     string  `json:"to" validate:"required,max=64"`
	Answer RawJSON `json:"answer"`
}

// CallAnswered is forwarded to the caller.
type CallAnswered struct {
	From   string  `json:"from"`
	Answer RawJSON `json:"answer"`
}

// ICECandidate is the client to server ice-candidate payload.
type ICECandidate struct {
	To        string  `json:"to" validate:"required,max=64"`
	Candidate RawJSON `json:"candidate"`
}

// ICEForward is the server to client ice-candidate payload.
type ICEForward struct {
	From      string  `json:"from"`
	Candidate RawJSON `json:"candidate"`
}

// EndCall covers end-call and call-rejected. To is informational; the
// server always resolves the partner from its own pairing.
type EndCall struct {
	To       string `json:"to,omitempty" validate:"omitempty,max=64"`
	Rejected bool   `json:"-"`
}

// CallNotice is the payload of call-ended, call-busy, user-offline and
// call-rejected-by-user.
type CallNotice struct {
	From string `json:"from,omitempty"`
}

// Error reports a rejected client event.
type Error struct {
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownEvent   = "unknown_event"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)
