package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// PostContent is the canonical shape of a post payload after decoding. The
// wire payload may be JSON or a protobuf Struct; both decode into this.
type PostContent struct {
	Text        string            `json:"text"`
	MediaURLs   []string          `json:"media_urls,omitempty"`
	LinkURL     string            `json:"link_url,omitempty"`
	ScheduledAt time.Time         `json:"scheduled_at,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
}

// ContentToProto converts decoded post content to a protobuf Struct for
// prefix-framed protobuf payloads
func ContentToProto(c *PostContent) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"text": c.Text,
	}
	if len(c.MediaURLs) > 0 {
		urls := make([]interface{}, len(c.MediaURLs))
		for i, u := range c.MediaURLs {
			urls[i] = u
		}
		fields["media_urls"] = urls
	}
	if c.LinkURL != "" {
		fields["link_url"] = c.LinkURL
	}
	if !c.ScheduledAt.IsZero() {
		fields["scheduled_at"] = c.ScheduledAt.Format(time.RFC3339)
	}
	if len(c.Options) > 0 {
		opts := make(map[string]interface{}, len(c.Options))
		for k, v := range c.Options {
			opts[k] = v
		}
		fields["options"] = opts
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload struct: %w", err)
	}
	return s, nil
}

// ProtoToContent converts a protobuf Struct payload back to post content
func ProtoToContent(s *structpb.Struct) (*PostContent, error) {
	c := &PostContent{}
	m := s.AsMap()

	if v, ok := m["text"].(string); ok {
		c.Text = v
	}
	if v, ok := m["link_url"].(string); ok {
		c.LinkURL = v
	}
	if v, ok := m["media_urls"].([]interface{}); ok {
		urls := make([]string, 0, len(v))
		for _, u := range v {
			if s, ok := u.(string); ok {
				urls = append(urls, s)
			}
		}
		c.MediaURLs = urls
	}
	if v, ok := m["scheduled_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			c.ScheduledAt = t
		}
	}
	if v, ok := m["options"].(map[string]interface{}); ok {
		c.Options = make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				c.Options[k] = s
			}
		}
	}

	return c, nil
}

// DecodePayload decodes a wire payload of either format into post content
func DecodePayload(s *Serializer, data []byte) (*PostContent, error) {
	format, body, err := s.DetectFormat(data)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatProtobuf:
		var st structpb.Struct
		if err := s.UnmarshalWithFormat(body, &st, FormatProtobuf); err != nil {
			return nil, err
		}
		return ProtoToContent(&st)
	default:
		var c PostContent
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrUnmarshalFailed, err)
		}
		return &c, nil
	}
}

// EncodePayload encodes post content using the serializer's default format
func EncodePayload(s *Serializer, c *PostContent) ([]byte, error) {
	if s.DefaultFormat == FormatProtobuf {
		st, err := ContentToProto(c)
		if err != nil {
			return nil, err
		}
		return s.MarshalWithFormat(st, FormatProtobuf)
	}
	return s.MarshalWithFormat(c, FormatJSON)
}
