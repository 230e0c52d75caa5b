package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Fold returns the case-folded form of a user handle. Every comparison
// between identities goes through it.
func Fold(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// SameIdentity reports whether two handles name the same user.
func SameIdentity(a, b string) bool {
	return Fold(a) == Fold(b)
}

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
		return true
	}
	return false
}

type MediaRef struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// MediaRefs is stored as a single JSON column.
type MediaRefs []MediaRef

func (m MediaRefs) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]MediaRef(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *MediaRefs) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("media: unsupported column type %T", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	var refs []MediaRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return fmt.Errorf("media: %w", err)
	}
	if len(refs) == 0 {
		*m = nil
		return nil
	}
	*m = refs
	return nil
}

type Status string

const (
	StatusSent Status = "sent"
	StatusRead Status = "read"
)

type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	Media     MediaRefs `json:"media"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// ValidatePayload checks the content/media pair of an outgoing message.
// Content and media may not both be empty.
func ValidatePayload(content string, media []MediaRef) error {
	if strings.TrimSpace(content) == "" && len(media) == 0 {
		return fmt.Errorf("%w: message needs content or media", ErrValidation)
	}
	for i, ref := range media {
		if strings.TrimSpace(ref.URL) == "" {
			return fmt.Errorf("%w: media %d has no url", ErrValidation, i)
		}
		if !ref.Kind.Valid() {
			return fmt.Errorf("%w: media %d has unsupported kind %q", ErrValidation, i, ref.Kind)
		}
	}
	return nil
}

type PresenceRecord struct {
	Identity   string    `json:"username"`
	Online     bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen"`
}
