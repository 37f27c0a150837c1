package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps a message for transport
type Envelope struct {
	ID              string    `json:"id"`
	Topic           string    `json:"topic"`
	PlatformVersion int       `json:"platformVersion"`
	Sender          string    `json:"sender"`
	SenderAddress   string    `json:"senderAddress,omitempty"`
	SentAt          time.Time `json:"sentAt"`
	Sequence        uint64    `json:"sequence"`
	Data            []byte    `json:"data"`
}

// NewEnvelope wraps msg for sending on behalf of sender
func NewEnvelope(msg Message, sender Address) *Envelope {
	return &Envelope{
		ID:              msg.uniqueID,
		Topic:           msg.topic,
		PlatformVersion: msg.platformVersion,
		Sender:          sender.LegalName,
		SenderAddress:   sender.HostAndPort.String(),
		SentAt:          msg.sentAt,
		Sequence:        msg.sequence,
		Data:            msg.data,
	}
}

// Marshal encodes the envelope for the wire
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope received from the wire
func UnmarshalEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("envelope has no id")
	}
	if env.Topic == "" {
		return nil, fmt.Errorf("envelope %s has no topic", env.ID)
	}
	return &env, nil
}

// Received converts the envelope into the value handed to message handlers
func (e *Envelope) Received(attempt int) ReceivedMessage {
	// Malformed sender addresses are not fatal for delivery.
	addr, _ := ParseNetworkHostAndPort(e.SenderAddress)
	return ReceivedMessage{
		Message: Message{
			uniqueID:        e.ID,
			topic:           e.Topic,
			data:            cloneBytes(e.Data),
			platformVersion: e.PlatformVersion,
			sentAt:          e.SentAt,
			sequence:        e.Sequence,
		},
		Sender:          e.Sender,
		SenderAddress:   addr,
		DeliveryAttempt: attempt,
		ReceivedAt:      time.Now().UTC(),
	}
}

// envelopeOverhead bounds the JSON fields around the encoded payload
const envelopeOverhead = 8 * 1024

const (
	// MaxEnvelopeLimit is the largest encoded envelope a broker accepts
	MaxEnvelopeLimit = 64 * 1024 * 1024
	// MaxMessageSizeLimit is the largest payload whose envelope fits in MaxEnvelopeLimit
	MaxMessageSizeLimit = (MaxEnvelopeLimit - envelopeOverhead) / 4 * 3
)

// MaxEnvelopeSize returns the largest encoded envelope carrying a payload of at most
// maxMessageSize bytes. The payload is base64 encoded on the wire.
func MaxEnvelopeSize(maxMessageSize int) int {
	return (maxMessageSize+2)/3*4 + envelopeOverhead
}
