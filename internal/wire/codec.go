package wire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which Codec is registered.
const CodecName = "json"

// gRPC names of the bidirectional event stream.
const (
	ServiceName  = "securechat.v1.Relay"
	StreamName   = "Events"
	EventsMethod = "/" + ServiceName + "/" + StreamName
)

// Codec lets the gRPC event stream carry Envelope values as JSON, so native
// and browser clients share one frame format and no generated stubs are
// needed.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
