package models

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMeshnetName is used when a message does not name its mesh.
	DefaultMeshnetName = "default"

	senderNamePrefix = "Node "
	senderIDNameLen  = 8
)

// ErrValidation is matched by every error returned from NewMessage.
var ErrValidation = errors.New("invalid message")

// ValidationError reports the required field that was missing.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s is required", e.Field)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Location is a decoded position in decimal degrees.
type Location struct {
	Latitude  float64  `json:"lat"`
	Longitude float64  `json:"lon"`
	Altitude  *float64 `json:"alt,omitempty"`
}

// Message is a single relay-bound message, travelling from a radio backend to
// the relay or from the relay to a backend. Use NewMessage to build one.
type Message struct {
	Text     string `json:"text"`
	SenderID string `json:"sender_id"`
	Backend  string `json:"backend"`

	SenderName  string    `json:"sender_name"`
	MeshnetName string    `json:"meshnet_name"`
	Timestamp   time.Time `json:"timestamp"`

	Channel         *uint32        `json:"channel,omitempty"`
	IsDirectMessage bool           `json:"is_direct_message"`
	DestinationID   string         `json:"destination_id,omitempty"`
	MessageID       string         `json:"message_id,omitempty"`
	ReplyToID       string         `json:"reply_to_id,omitempty"`
	Location        *Location      `json:"location,omitempty"`
	Telemetry       map[string]any `json:"telemetry,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// NewMessage validates the required fields of m and applies the defaults for
// SenderName, MeshnetName and Timestamp. The input is copied; the returned
// message is the one callers should hand on.
func NewMessage(m Message) (*Message, error) {
	if m.Text == "" {
		return nil, &ValidationError{Field: "text"}
	}
	if m.SenderID == "" {
		return nil, &ValidationError{Field: "sender_id"}
	}
	if m.Backend == "" {
		return nil, &ValidationError{Field: "backend"}
	}

	if m.SenderName == "" {
		m.SenderName = DefaultSenderName(m.SenderID)
	}
	if m.MeshnetName == "" {
		m.MeshnetName = DefaultMeshnetName
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return &m, nil
}

// DefaultSenderName synthesizes a display name from a transport identifier.
func DefaultSenderName(senderID string) string {
	id := senderID
	if len(id) > senderIDNameLen {
		id = id[:senderIDNameLen]
	}
	return senderNamePrefix + id
}

// IsBroadcast reports whether the message is addressed to the whole channel.
func (m *Message) IsBroadcast() bool {
	return !m.IsDirectMessage && m.DestinationID == ""
}

// ChannelIndex returns the channel index, or 0 when unset.
func (m *Message) ChannelIndex() uint32 {
	if m.Channel == nil {
		return 0
	}
	return *m.Channel
}
