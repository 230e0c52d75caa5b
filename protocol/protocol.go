package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"duochat/models"
)

var (
	ErrInvalidEvent = errors.New("invalid event format")
)

// Client -> server event types.
const (
	TypeSend          = "send"
	TypeTyping        = "typing"
	TypeMarkRead      = "markRead"
	TypeMessageRead   = "messageRead" // older clients
	TypeRequestStatus = "requestStatus"
	TypeLogout        = "logout"
	TypePing          = "ping"
)

// Server -> client event types.
const (
	TypeAck           = "ack"
	TypeDelivered     = "delivered"
	TypePresence      = "presence"
	TypeTypingChanged = "typingChanged"
	TypeReadReceipt   = "readReceipt"
	TypeStatus        = "status"
	TypeError         = "error"
	TypePong          = "pong"
	TypeBye           = "bye"
)

// Event is the envelope of every frame on the persistent connection.
// ID is chosen by the client and echoed on the matching ack.
type Event struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type SendRequest struct {
	Recipient string            `json:"recipient,omitempty"`
	Content   string            `json:"content,omitempty"`
	Media     []models.MediaRef `json:"media,omitempty"`
}

type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

type MarkReadRequest struct {
	MessageID int64 `json:"messageId"`
}

// Ack answers a send. Exactly one of Message and Error is set; Detail
// explains Error.
type Ack struct {
	Message *models.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

type Delivered struct {
	Message models.Message `json:"message"`
}

type Presence struct {
	Username string     `json:"username"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type TypingChanged struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type ReadReceipt struct {
	MessageID int64         `json:"messageId"`
	Status    models.Status `json:"status"`
}

type Status struct {
	Username string     `json:"username"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Error struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Bye struct {
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

// ParseEvent decodes one frame read from a client.
func ParseEvent(frame []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, ErrInvalidEvent
	}
	ev.Type = strings.TrimSpace(ev.Type)
	if ev.Type == "" {
		return nil, ErrInvalidEvent
	}
	return &ev, nil
}

// Decode unmarshals the payload of ev into v. A missing payload leaves v untouched.
func (ev *Event) Decode(v interface{}) error {
	if len(ev.Data) == 0 || string(ev.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return ErrInvalidEvent
	}
	return nil
}

// NewEvent builds an event with payload. The payload types in this package
// always marshal, so an error here is a programming mistake.
func NewEvent(eventType, id string, payload interface{}) Event {
	ev := Event{Type: eventType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			data, _ = json.Marshal(Error{Error: "internal", Message: err.Error()})
			ev.Type = TypeError
		}
		ev.Data = data
	}
	return ev
}

// FormatEvent encodes an event into a single frame.
func FormatEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
