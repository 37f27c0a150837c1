package contracts

import (
	"time"

	"github.com/google/uuid"
)

// DefaultPlatformVersion is the platform version nodes advertise unless configured otherwise
const DefaultPlatformVersion = 4

// Message is an immutable, topic-scoped payload. Use NewMessage or a messaging client's
// CreateMessage to build one.
type Message struct {
	uniqueID        string
	topic           string
	data            []byte
	platformVersion int
	sentAt          time.Time
	sequence        uint64
}

// NewMessage creates a message with a fresh unique ID. The payload is copied.
func NewMessage(topic string, data []byte, platformVersion int, sequence uint64) Message {
	return Message{
		uniqueID:        uuid.NewString(),
		topic:           topic,
		data:            cloneBytes(data),
		platformVersion: platformVersion,
		sentAt:          time.Now().UTC(),
		sequence:        sequence,
	}
}

// UniqueID returns the message ID used for de-duplication
func (m Message) UniqueID() string {
	return m.uniqueID
}

// Topic returns the logical channel of the message
func (m Message) Topic() string {
	return m.topic
}

// Data returns a copy of the payload
func (m Message) Data() []byte {
	return cloneBytes(m.data)
}

// Size returns the payload length in bytes
func (m Message) Size() int {
	return len(m.data)
}

// PlatformVersion returns the platform version of the node that created the message
func (m Message) PlatformVersion() int {
	return m.platformVersion
}

// SentAt returns the creation timestamp
func (m Message) SentAt() time.Time {
	return m.sentAt
}

// Sequence returns the per-client sequence number
func (m Message) Sequence() uint64 {
	return m.sequence
}

// ReceivedMessage is a delivered message plus delivery metadata
type ReceivedMessage struct {
	Message
	Sender          string
	SenderAddress   NetworkHostAndPort
	DeliveryAttempt int
	ReceivedAt      time.Time
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
