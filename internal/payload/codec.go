package payload

import (
	"errors"
	"fmt"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype used for frames
const CodecName = "json"

// Bi-directional stream method shared by client and server
const (
	BiStreamServiceName = "namingpush.BiStream"
	BiStreamMethodName  = "Stream"
	BiStreamFullMethod  = "/" + BiStreamServiceName + "/" + BiStreamMethodName
)

// BiStreamDesc describes the bi-directional frame stream
var BiStreamDesc = grpc.StreamDesc{
	StreamName:    BiStreamMethodName,
	ServerStreams: true,
	ClientStreams: true,
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDecode is matched by every DecodeError
var ErrDecode = errors.New("malformed push packet")

// DecodeError describes why an inbound payload was rejected
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrDecode, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrDecode, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrDecode
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Marshal encodes v as JSON
func Marshal(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// Unmarshal decodes JSON data into v
func Unmarshal(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

// DecodePushPacket parses an inbound push payload
func DecodePushPacket(data []byte) (*PushPacket, error) {
	if !utf8.Valid(data) {
		return nil, &DecodeError{Reason: "payload is not valid UTF-8"}
	}
	var pkt PushPacket
	if err := jsonAPI.Unmarshal(data, &pkt); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if pkt.Type == "" {
		return nil, &DecodeError{Reason: "missing type field"}
	}
	return &pkt, nil
}

// Codec is the gRPC codec for frames
type Codec struct{}

// Marshal implements encoding.Codec
func (Codec) Marshal(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// Unmarshal implements encoding.Codec
func (Codec) Unmarshal(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

// Name implements encoding.Codec
func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
