// Package protocol defines the JSON frames exchanged over client connections.
//
// Every frame is an envelope {"event": "<name>", "data": <payload>}. Inbound
// payloads are decoded lazily by the dispatcher; signal data is carried as
// json.RawMessage and never interpreted.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventSearch      = "search"
	EventCreateChat  = "create-chat"
	EventSendMessage = "send-message"
	EventCallUser    = "call-user"
	EventAnswerCall  = "answer-call"
	EventRelaySignal = "relay-signal"
	EventEndCall     = "end-call"
)

// Outbound event names.
const (
	EventConnected      = "connected"
	EventSearchResult   = "search-result"
	EventNewChatCreated = "new-chat-created"
	EventNewChat        = "new-chat"
	EventNewMessage     = "new-message"
	EventChatError      = "chat-error"
	EventIncomingCall   = "incoming-call"
	EventCallAccepted   = "call-accepted"
	EventSignal         = "signal"
	EventCallEnded      = "call-ended"
)

// ErrMalformedFrame is returned when a frame is not a valid envelope.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is the outer frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses raw into an envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedFrame, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, e.Event, err)
	}
	return nil
}

// Encode builds a frame for event with the given payload.
func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

// SearchRequest is the search payload.
type SearchRequest struct {
	Query string `json:"query"`
}

// CreateChatRequest is the create-chat payload.
type CreateChatRequest struct {
	RecipientID string `json:"recipientId"`
}

// SendMessageRequest is the send-message payload.
type SendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// CallRequest is shared by call-user, answer-call, relay-signal and end-call.
type CallRequest struct {
	RecipientID string          `json:"recipientId"`
	SignalData  json.RawMessage `json:"signalData,omitempty"`
}

// UserSummary is one search hit or call party description.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// ChatSummary describes a chat in new-chat notifications.
type ChatSummary struct {
	ID        string        `json:"id"`
	Members   []UserSummary `json:"members"`
	CreatedAt time.Time     `json:"createdAt"`
	// Online is set per recipient to the counterpart's presence.
	Online     *bool      `json:"online,omitempty"`
	LastOnline *time.Time `json:"lastOnline,omitempty"`
}

// Message is a chat message notification.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatError is sent to the requesting connection when a chat operation fails.
type ChatError struct {
	Message string `json:"message"`
}

// Connected is sent once after a connection is registered.
type Connected struct {
	ConnectionID string `json:"connectionId"`
	Identity     string `json:"identity"`
}

// IncomingCall notifies the callee.
type IncomingCall struct {
	CallFrom   UserSummary     `json:"callFrom"`
	SignalData json.RawMessage `json:"signalData,omitempty"`
}

// CallAccepted carries the callee's answer back to the initiator.
type CallAccepted struct {
	SignalData json.RawMessage `json:"signalData"`
}

// Signal carries an extra negotiation payload between established parties.
type Signal struct {
	From       string          `json:"from"`
	SignalData json.RawMessage `json:"signalData"`
}

// CallEnded has no fields; it encodes as {}.
type CallEnded struct{}
