package rpc

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this module registers and every
// call site must request via grpc.CallContentSubtype(codecName); without it
// grpc-go falls back to its default "proto" codec, which cannot marshal the
// plain structs in types.go.
const codecName = "gob"

// gobCodec satisfies google.golang.org/grpc/encoding.Codec. gRPC services
// are normally paired with protoc-generated proto.Message types and the
// built-in proto codec; this module has no protoc step available, so it
// registers a codec over Go's own encoding/gob the same way a protoc-free
// gRPC service would register any non-proto codec, keeping the real gRPC
// transport, stream framing, flow control, and deadline propagation intact.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}
