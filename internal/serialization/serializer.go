// Package serialization frames and decodes scheduled post payloads. Payloads
// travel as a single byte format tag followed by the encoded body; posts
// enqueued by older schedulers arrive as bare JSON with no tag and are decoded
// as such.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// PayloadFormat is the one-byte frame tag on a serialized payload
type PayloadFormat byte

const (
	FormatJSON     PayloadFormat = 0x00
	FormatProtobuf PayloadFormat = 0x01
)

var (
	ErrUnknownFormat   = errors.New("unknown payload format")
	ErrMarshalFailed   = errors.New("failed to marshal payload")
	ErrUnmarshalFailed = errors.New("failed to unmarshal payload")
)

// Serializer frames payloads in its default format and decodes payloads of
// any recognized format
type Serializer struct {
	DefaultFormat PayloadFormat
}

// NewSerializer creates a serializer that frames new payloads as format
func NewSerializer(format PayloadFormat) *Serializer {
	return &Serializer{DefaultFormat: format}
}

// Marshal encodes v in the default format and prepends the frame tag
func (s *Serializer) Marshal(v interface{}) ([]byte, error) {
	return s.MarshalWithFormat(v, s.DefaultFormat)
}

// MarshalWithFormat encodes v in an explicit format. Protobuf framing requires
// v to implement proto.Message.
func (s *Serializer) MarshalWithFormat(v interface{}, format PayloadFormat) ([]byte, error) {
	var body []byte
	switch format {
	case FormatJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
		}
		body = data
	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("%w: value does not implement proto.Message", ErrMarshalFailed)
		}
		data, err := proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("%w (Protobuf): %v", ErrMarshalFailed, err)
		}
		body = data
	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}

	framed := make([]byte, len(body)+1)
	framed[0] = byte(format)
	copy(framed[1:], body)
	return framed, nil
}

// Unmarshal decodes a payload into v, detecting the frame first
func (s *Serializer) Unmarshal(data []byte, v interface{}) error {
	format, body, err := s.DetectFormat(data)
	if err != nil {
		return err
	}
	return s.UnmarshalWithFormat(body, v, format)
}

// UnmarshalWithFormat decodes an already unframed body into v
func (s *Serializer) UnmarshalWithFormat(body []byte, v interface{}, format PayloadFormat) error {
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(body, v); err != nil {
			return fmt.Errorf("%w (JSON): %v", ErrUnmarshalFailed, err)
		}
		return nil
	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return fmt.Errorf("%w: value does not implement proto.Message", ErrUnmarshalFailed)
		}
		if err := proto.Unmarshal(body, msg); err != nil {
			return fmt.Errorf("%w (Protobuf): %v", ErrUnmarshalFailed, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}
}

// DetectFormat reads the frame tag and returns the format plus the body with
// the tag stripped. Unframed payloads starting with '{' or '[' are treated as
// legacy JSON; anything else is an error.
func (s *Serializer) DetectFormat(data []byte) (PayloadFormat, []byte, error) {
	if len(data) == 0 {
		return FormatJSON, nil, fmt.Errorf("%w: empty payload", ErrUnknownFormat)
	}

	switch format := PayloadFormat(data[0]); format {
	case FormatJSON, FormatProtobuf:
		if len(data) < 2 {
			return format, nil, fmt.Errorf("%w: payload too short", ErrUnmarshalFailed)
		}
		return format, data[1:], nil
	default:
		if data[0] == '{' || data[0] == '[' {
			return FormatJSON, data, nil
		}
		return FormatJSON, data, fmt.Errorf("%w: unknown format byte 0x%02X", ErrUnknownFormat, data[0])
	}
}

// IsProtobuf reports whether data carries a protobuf frame tag
func (s *Serializer) IsProtobuf(data []byte) bool {
	return len(data) > 0 && PayloadFormat(data[0]) == FormatProtobuf
}
