package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire message types. Every frame on the overlay is a small JSON envelope
// {"type": <string>, "data": <object>}.
const (
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatResponse = "heartbeat-response"
	TypeAdapterList       = "adapter-list"
	TypeAdapterRequest    = "adapter-request"
	TypeAdapterChunk      = "adapter-chunk"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// AdapterMetadata is the free-form descriptive part of an advertisement,
// carried alongside size and checksum.
type AdapterMetadata struct {
	BaseModel      string `json:"base_model,omitempty"`
	TrainingMethod string `json:"training_method,omitempty"`
	FileKind       string `json:"file_kind,omitempty"`
}

// AdapterDescriptor advertises one shareable artifact. The topic here is a
// per-advertisement random id, distinct from the room topic.
type AdapterDescriptor struct {
	Name      string          `json:"name"`
	Topic     string          `json:"topic"`
	Size      int64           `json:"size"`
	Checksum  string          `json:"checksum"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  AdapterMetadata `json:"metadata,omitempty"`
}

type Heartbeat struct {
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

type AdapterList struct {
	Adapters []AdapterDescriptor `json:"adapters"`
}

type AdapterRequest struct {
	Topic string `json:"topic"`
}

// AdapterChunk carries one slice of an artifact. Chunk bytes are base64 in
// transit; Checksum is SHA-256 over the raw bytes, computed before encoding.
// Metadata is present only on index 0.
type AdapterChunk struct {
	Topic    string             `json:"topic"`
	Chunk    string             `json:"chunk"`
	Index    int                `json:"index"`
	Total    int                `json:"total"`
	Checksum string             `json:"checksum"`
	Metadata *AdapterDescriptor `json:"metadata,omitempty"`
}

// Message is the decoded form of an envelope: exactly one payload field is
// non-nil, matching Type.
type Message struct {
	Type        string
	Heartbeat   *Heartbeat
	AdapterList *AdapterList
	Request     *AdapterRequest
	Chunk       *AdapterChunk
}

// Encode wraps a payload in an envelope and serializes it.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	return json.Marshal(&Envelope{Type: msgType, Data: data})
}

// Decode parses an envelope and its payload in one pass. Unknown or
// malformed frames are rejected with a ProtocolError.
func Decode(raw []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed envelope: %v", err)}
	}

	msg := &Message{Type: env.Type}
	var payload interface{}

	switch env.Type {
	case TypeHeartbeat, TypeHeartbeatResponse:
		msg.Heartbeat = &Heartbeat{}
		payload = msg.Heartbeat
	case TypeAdapterList:
		msg.AdapterList = &AdapterList{}
		payload = msg.AdapterList
	case TypeAdapterRequest:
		msg.Request = &AdapterRequest{}
		payload = msg.Request
	case TypeAdapterChunk:
		msg.Chunk = &AdapterChunk{}
		payload = msg.Chunk
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown message type %q", env.Type)}
	}

	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("malformed %s payload: %v", env.Type, err)}
	}
	return msg, nil
}
