// Package model defines Sluice's durable state types: topics, messages,
// and consumer-group cursors, plus the validation rules publish requests
// must satisfy before they reach the writer.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Limits from the wire contract (spec.md §4.3).
const (
	MaxTopicNameLen = 255
	MaxPayloadBytes = 4 * 1024 * 1024 // 4 MiB
)

var topicNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Topic is a named, append-only sequence of messages. Name -> ID is 1:1
// and immutable once created.
type Topic struct {
	ID        int64
	Name      string
	CreatedAt int64 // unix millis
}

// Message is one durably committed row on a topic.
type Message struct {
	TopicID    int64
	Sequence   uint64
	MessageID  string // canonical 36-char UUID string
	Payload    []byte // nil means "absent", distinct from empty-but-present
	Attributes map[string]string
	Timestamp  int64 // unix millis
}

// Cursor is a durable per-(topic,group) acknowledgment high-watermark.
type Cursor struct {
	TopicID       int64
	ConsumerGroup string
	LastAckedSeq  uint64
}

// InitialPosition selects where a newly created cursor starts.
type InitialPosition int

const (
	Latest InitialPosition = iota
	Earliest
)

// NewMessageID generates a time-sortable 128-bit identifier rendered in
// canonical 36-char form, per spec.md §3. UUIDv7 is used for its
// monotonic-ish, time-ordered byte layout.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/random source is
		// unavailable; fall back to a random v4 rather than panic so a
		// transient entropy hiccup never blocks a publish.
		id = uuid.New()
	}
	return id.String()
}

// ValidateTopicName checks a topic name against spec.md §4.3's ordered
// validation rules (non-empty, length, character class). The returned
// error message is precise enough to surface directly as an
// InvalidArgument detail.
func ValidateTopicName(name string) error {
	if name == "" {
		return fmt.Errorf("topic name must not be empty")
	}
	if len(name) > MaxTopicNameLen {
		return fmt.Errorf("topic name exceeds %d characters", MaxTopicNameLen)
	}
	if !topicNamePattern.MatchString(name) {
		return fmt.Errorf("topic name must match [A-Za-z0-9._-]+")
	}
	return nil
}

// ValidatePayloadSize enforces the 4 MiB payload ceiling.
func ValidatePayloadSize(payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)
	}
	return nil
}

// EncodeAttributes serializes a string->string attribute map to JSON, or
// returns (nil, nil) when the map is nil or empty, so an empty map is
// stored as absent.
func EncodeAttributes(attrs map[string]string) ([]byte, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("attributes not serializable to JSON: %w", err)
	}
	return data, nil
}

// DecodeAttributes is the inverse of EncodeAttributes. A nil/empty input
// decodes to a nil map, never an error. Callers must not depend on
// iteration order of the result (spec.md §9).
func DecodeAttributes(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("stored attributes corrupt: %w", err)
	}
	return attrs, nil
}
