package dtos

import (
	"fmt"
	"strings"
)

// Content variant tags carried by MessageContent.Type. MessageInfo.Type keeps
// the upstream discriminant instead ("conversation", "imageMessage", ...).
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeSticker  = "sticker"
	MessageTypeLocation = "location"
	MessageTypeContact  = "contact"

	// ContentUnhandled marks content of message types we pass through without
	// decoding.
	ContentUnhandled = "unhandled"
)

// MessageContent is the tagged variant keyed by Type. Only the fields matching
// the tag are populated; the rest stay at their zero value and are omitted
// from JSON.
type MessageContent struct {
	Type string `json:"type"`

	// text
	Text        string `json:"text,omitempty"`
	ContextInfo string `json:"contextInfo,omitempty"`

	// media (image, video, audio, document, sticker)
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Seconds  uint32 `json:"seconds,omitempty"`

	// location
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Name      string  `json:"name,omitempty"`

	// contact
	DisplayName string `json:"displayName,omitempty"`
	VCard       string `json:"vcard,omitempty"`
}

// MessageInfo is the normalized in-memory message. The whatsapp domain is the
// only producer; everything downstream (durable log, store, webhooks) consumes
// this shape.
type MessageInfo struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	FromMe    bool           `json:"fromMe"`
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"type"`
	PushName  string         `json:"pushName,omitempty"`
	Content   MessageContent `json:"content"`
}

// IsGroup reports whether the chat is a group, derived from the JID server.
func (m MessageInfo) IsGroup() bool {
	return strings.HasSuffix(m.From, "@g.us")
}

// IdempotencyKey derives the durable-log idempotency key for a message.
func (m MessageInfo) IdempotencyKey() string {
	return "wa:" + m.ID
}

// CorrelationID derives a stable tracing id for a message.
func (m MessageInfo) CorrelationID() string {
	if m.ID != "" {
		return "cid:" + m.ID
	}
	return fmt.Sprintf("cid:%s:%d", m.From, m.Timestamp)
}

// IngestRecord is the envelope written to the durable log, one JSON line per
// record.
type IngestRecord struct {
	IdempotencyKey string      `json:"idempotencyKey"`
	CorrelationID  string      `json:"correlationId"`
	ReceivedAt     int64       `json:"receivedAt"`
	Payload        MessageInfo `json:"payload"`
}

// DeadLetter is an IngestRecord that permanently failed persistence, together
// with the diagnostic error.
type DeadLetter struct {
	IngestRecord
	Error          string `json:"error"`
	DeadLetteredAt int64  `json:"deadLetteredAt"`
}

// IngestAck is what the producer path returns from EnqueueMessage. Accepted
// is true once the record is fsynced to the durable log; downstream
// persistence may still be pending.
type IngestAck struct {
	Accepted       bool   `json:"accepted"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
