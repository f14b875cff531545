// Package protocol defines the event frames exchanged between chat clients and the relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Event names on the wire.
const (
	EventMessage    = "message"
	EventTyping     = "typing"
	EventStopTyping = "stopTyping"
)

// Frame size limits in bytes. Relays forward frames up to their configured
// limit, which is DefaultMaxFrameBytes unless raised, never past MaxFrameBytes.
const (
	DefaultMaxFrameBytes = 4096
	MaxFrameBytes        = 1 << 20
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrEmptyFrame   = errors.New("empty frame")
)

var validate = validator.New()

// Message is an immutable chat line. Ordering is by arrival, never by SentAt.
type Message struct {
	Author string    `json:"author" validate:"required"`
	Text   string    `json:"text" validate:"required"`
	SentAt time.Time `json:"sentAt"`
}

// Typing announces that Author started typing.
type Typing struct {
	Author string `json:"author" validate:"required"`
}

// StopTyping announces that typing ended. Author is optional on the wire:
// peers that do not send it clear the indicator unconditionally.
type StopTyping struct {
	Author string `json:"author,omitempty"`
}

// Frame is the envelope of every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IsKnownEvent reports whether name is part of the wire contract.
func IsKnownEvent(name string) bool {
	switch name {
	case EventMessage, EventTyping, EventStopTyping:
		return true
	}
	return false
}

// Encode marshals payload into a frame. A nil payload yields a frame without data.
func Encode(event string, payload interface{}) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		f.Data = data
	}
	return EncodeFrame(&f)
}

// EncodeFrame marshals f. Text is not HTML escaped, so a frame is never
// larger than the payload bytes it carries plus the envelope.
func EncodeFrame(f *Frame) ([]byte, error) {
	raw, err := marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return raw, nil
}

func marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a raw websocket message into a frame.
func Decode(raw []byte) (*Frame, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, ErrEmptyFrame
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("frame without event name")
	}
	return &f, nil
}

// DecodeMessage parses the data of a `message` frame.
func DecodeMessage(data json.RawMessage) (Message, error) {
	var m Message
	if len(data) == 0 {
		return m, fmt.Errorf("message: missing data")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("message: %w", err)
	}
	return m, nil
}

// DecodeTyping parses the data of a `typing` frame.
func DecodeTyping(data json.RawMessage) (Typing, error) {
	var t Typing
	if len(data) == 0 {
		return t, fmt.Errorf("typing: missing data")
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("typing: %w", err)
	}
	return t, nil
}

// DecodeStopTyping parses the data of a `stopTyping` frame; data may be absent.
func DecodeStopTyping(data json.RawMessage) (StopTyping, error) {
	var s StopTyping
	if len(data) == 0 || string(data) == "null" {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("stopTyping: %w", err)
	}
	return s, nil
}

// Validate checks that data is a well formed payload for event.
func Validate(event string, data json.RawMessage) error {
	switch event {
	case EventMessage:
		m, err := DecodeMessage(data)
		if err != nil {
			return err
		}
		return validate.Struct(&m)
	case EventTyping:
		t, err := DecodeTyping(data)
		if err != nil {
			return err
		}
		return validate.Struct(&t)
	case EventStopTyping:
		_, err := DecodeStopTyping(data)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}
