package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(t *testing.T, raw string) Envelope {
	t.Helper()
	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	return e
}

func TestParseSendMessage(t *testing.T) {
	in, err := ParseInbound(env(t, `{"event":"send_message","data":{"receiverId":"bob","encReceiver":"AQID","encSender":"BAUG"}}`))
	require.NoError(t, err)

	msg, ok := in.(*SendMessage)
	require.True(t, ok)
	assert.Equal(t, "bob", msg.ReceiverID)
	assert.Equal(t, []byte{1, 2, 3}, msg.EncReceiver)
	assert.Equal(t, []byte{4, 5, 6}, msg.EncSender)
}

func TestParseSendMessageRejectsMissingCiphertext(t *testing.T) {
	_, err := ParseInbound(env(t, `{"event":"send_message","data":{"receiverId":"bob","encReceiver":"","encSender":"BAUG"}}`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, EventSendMessage, verr.Event)

	_, err = ParseInbound(env(t, `{"event":"send_message","data":{"encReceiver":"AQID","encSender":"BAUG"}}`))
	require.True(t, errors.As(err, &verr))
}

func TestParseBareStringPayloads(t *testing.T) {
	in, err := ParseInbound(env(t, `{"event":"message_stored_locally","data":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, &StoredLocally{MessageID: "m1"}, in)

	in, err = ParseInbound(env(t, `{"event":"message_seen","data":"m2"}`))
	require.NoError(t, err)
	assert.Equal(t, &Seen{MessageID: "m2"}, in)

	in, err = ParseInbound(env(t, `{"event":"stop_typing","data":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, &Typing{PeerID: "alice", Stopped: true}, in)

	_, err = ParseInbound(env(t, `{"event":"message_seen","data":{"id":"m2"}}`))
	assert.Error(t, err)

	_, err = ParseInbound(env(t, `{"event":"typing","data":""}`))
	assert.Error(t, err)
}

func TestParseCallEvents(t *testing.T) {
	in, err := ParseInbound(env(t, `{"event":"call-user","data":{"to":"bob","offer":{"type":"offer","sdp":"v=0"},"type":"video"}}`))
	require.NoError(t, err)
	call := in.(*CallUser)
	assert.Equal(t, "bob", call.To)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(call.Offer))

	_, err = ParseInbound(env(t, `{"event":"call-user","data":{"to":"bob","offer":{},"type":"hologram"}}`))
	assert.Error(t, err)

	in, err = ParseInbound(env(t, `{"event":"call-rejected","data":{"to":"bob"}}`))
	require.NoError(t, err)
	assert.Equal(t, &EndCall{To: "bob", Rejected: true}, in)

	in, err = ParseInbound(Envelope{Event: EventEndCall})
	require.NoError(t, err)
	assert.Equal(t, &EndCall{}, in)
}

func TestParseUnknownEvent(t *testing.T) {
	_, err := ParseInbound(Envelope{Event: "launch_missiles"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestOutboundShapes(t *testing.T) {
	b, err := json.Marshal(UpdateStatus("m1", "delivered"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"update_status","data":{"messageId":"m1","status":"delivered"}}`, string(b))

	b, err = json.Marshal(OnlineUsers(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"online_users","data":[]}`, string(b))

	b, err = json.Marshal(UserTyping("alice", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"user_typing","data":"alice"}`, string(b))

	b, err = json.Marshal(Notice(EventCallBusy, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"call-busy","data":{}}`, string(b))
}

func TestCodecRoundTrip(t *testing.T) {
	c := Codec{}
	assert.Equal(t, "json", c.Name())

	data, err := c.Marshal(&Envelope{Event: EventTyping, Data: json.RawMessage(`"bob"`)})
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, EventTyping, out.Event)
	assert.JSONEq(t, `"bob"`, string(out.Data))
}
