package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingType is returned when a frame decodes but carries no "type".
var ErrMissingType = errors.New("frame has no type")

// Control frame types. These are consumed by the transport and never reach
// application handlers.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
)

// Outbound command types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Application event types published by the service desk backend.
const (
	EventTicketUpdated       = "ticket-updated"
	EventActivityCreated     = "activity-created"
	EventNotificationCreated = "notification-created"
	EventCacheFlush          = "cache-flush"
)

// Channel naming.
const (
	Wildcard   = "*"
	UserPrefix = "user:"
)

// Message is a decoded inbound frame.
type Message struct {
	Type      string          `json:"type"`
	TicketID  string          `json:"ticketId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`

	// ClientID is only set on "connected" frames.
	ClientID string `json:"clientId,omitempty"`
}

// ChannelID is the inbound ticketId. Backends emit it as either a JSON string
// or a bare number; both decode to the same text.
type ChannelID string

// UnmarshalJSON accepts a string, a number, or null.
func (c *ChannelID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChannelID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("ticketId: %w", err)
	}
	*c = ChannelID(n.String())
	return nil
}

// UnmarshalJSON decodes a frame, reading ticketId through ChannelID.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var w struct {
		plain
		TicketID ChannelID `json:"ticketId"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message(w.plain)
	m.TicketID = string(w.TicketID)
	return nil
}

// Command is an outbound frame from client to hub.
type Command struct {
	Type     string `json:"type"`
	TicketID string `json:"ticketId,omitempty"`
}

// Decode parses a raw frame into a Message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// Encode marshals a command for the wire.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Time parses Timestamp. The second return is false when it is absent or
// not ISO 8601.
func (m Message) Time() (time.Time, bool) {
	if m.Timestamp == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// DecodeData unmarshals the message payload into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: decode data: %w", m.Type, err)
	}
	return nil
}

// IsControl reports whether a frame type is transport-internal.
func IsControl(msgType string) bool {
	switch msgType {
	case TypeConnected, TypeSubscribed, TypeUnsubscribed, TypePong:
		return true
	}
	return false
}

// UserChannel returns the channel carrying pushes for one user. A value that
// is already a user channel is returned as is.
func UserChannel(userID string) string {
	if IsUserChannel(userID) {
		return userID
	}
	return UserPrefix + userID
}

// IsUserChannel reports whether channel is a user:<id> channel.
func IsUserChannel(channel string) bool {
	return strings.HasPrefix(channel, UserPrefix) && len(channel) > len(UserPrefix)
}
