package models

import (
	"fmt"
	"time"
)

// ContentKind is the form of submitted content.
type ContentKind int

const (
	KindText ContentKind = 1 + iota
	KindImageURL
	KindImageBase64
)

func (k ContentKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImageURL:
		return "image_url"
	case KindImageBase64:
		return "image_base64"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid returns true for known content kinds.
func (k ContentKind) Valid() bool {
	return k >= KindText && k <= KindImageBase64
}

// ParseContentKind maps a kind name back to ContentKind.
func ParseContentKind(s string) (ContentKind, error) {
	switch s {
	case "text":
		return KindText, nil
	case "image_url":
		return KindImageURL, nil
	case "image_base64":
		return KindImageBase64, nil
	}
	return 0, fmt.Errorf("models: unknown content kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k ContentKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("models: invalid content kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ContentKind) UnmarshalText(b []byte) error {
	v, err := ParseContentKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// CapabilitySet is the set of content kinds a provider accepts.
type CapabilitySet uint8

// Capabilities builds a set from kinds.
func Capabilities(kinds ...ContentKind) CapabilitySet {
	var s CapabilitySet
	for _, k := range kinds {
		if k.Valid() {
			s |= 1 << uint(k)
		}
	}
	return s
}

// Supports reports whether kind is in the set.
func (s CapabilitySet) Supports(kind ContentKind) bool {
	return kind.Valid() && s&(1<<uint(kind)) != 0
}

// Kinds lists the kinds in the set in declaration order.
func (s CapabilitySet) Kinds() []ContentKind {
	out := make([]ContentKind, 0, 3)
	for k := KindText; k <= KindImageBase64; k++ {
		if s.Supports(k) {
			out = append(out, k)
		}
	}
	return out
}

// Context identifies where content came from.
type Context struct {
	UserID    string    `json:"user_id"`
	GroupID   string    `json:"group_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModerationRequest is one piece of content to check. Treat as immutable.
type ModerationRequest struct {
	ID       string      `json:"id,omitempty"`
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	URL      string      `json:"url,omitempty"`
	Data     []byte      `json:"data,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Context  Context     `json:"context"`
}

// Validate checks that the payload matches Kind.
func (r ModerationRequest) Validate() error {
	switch r.Kind {
	case KindText:
		return nil
	case KindImageURL:
		if r.URL == "" {
			return fmt.Errorf("models: image url request without url")
		}
		return nil
	case KindImageBase64:
		if len(r.Data) == 0 {
			return fmt.Errorf("models: image payload request without data")
		}
		return nil
	default:
		return fmt.Errorf("models: invalid content kind %d", int(r.Kind))
	}
}

// AsImagePayload returns a copy of r reissued as an inline image.
func (r ModerationRequest) AsImagePayload(data []byte, mimeType string) ModerationRequest {
	out := r
	out.Kind = KindImageBase64
	out.Data = data
	out.MimeType = mimeType
	return out
}
