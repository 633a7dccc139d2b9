package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// TopicSize is the length in bytes of a discovery topic. Topics travel
// hex-encoded (64 characters) on the wire and in the API.
const TopicSize = 32

// Topic identifies a room on the overlay. Knowing a topic is what grants
// access to the room, so topics are generated from a CSPRNG.
type Topic [TopicSize]byte

// NewTopic returns a random topic.
func NewTopic() (Topic, error) {
	var t Topic
	if _, err := rand.Read(t[:]); err != nil {
		return Topic{}, fmt.Errorf("failed to generate topic: %w", err)
	}
	return t, nil
}

// ParseTopic decodes a 64-character hex string into a Topic.
func ParseTopic(s string) (Topic, error) {
	if len(s) != TopicSize*2 {
		return Topic{}, fmt.Errorf("invalid topic length: got %d, want %d", len(s), TopicSize*2)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Topic{}, fmt.Errorf("invalid topic encoding: %w", err)
	}
	var t Topic
	copy(t[:], raw)
	return t, nil
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// ShortCode returns the first 8 hex characters, used as a human-facing
// room code.
func (t Topic) ShortCode() string {
	return t.String()[:8]
}

// IsZero reports whether the topic is the zero value.
func (t Topic) IsZero() bool {
	return t == Topic{}
}
