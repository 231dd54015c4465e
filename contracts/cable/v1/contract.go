// Package v1 defines the cable wire contract spoken by courier.
//
// One websocket carries three frame kinds: subscribe/unsubscribe (client -> server),
// message commands scoped to a subscription (client -> server) and events
// (server -> client). The identifier and the command data are JSON documents
// embedded as strings, as the server expects.
//
// This package is intentionally dependency-light so fake servers in tests and the
// client agree on one authoritative shape.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Commands (client -> server).
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandMessage     = "message"
)

// Protocol-level inbound types. They never carry application payloads.
const (
	TypeWelcome             = "welcome"
	TypePing                = "ping"
	TypeConfirmSubscription = "confirm_subscription"
	TypeRejectSubscription  = "reject_subscription"
	TypeDisconnect          = "disconnect"
)

// Frame is an outbound command frame.
type Frame struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

// Validate performs strict structural validation for an outbound Frame.
func (f Frame) Validate() error {
	switch f.Command {
	case CommandSubscribe, CommandUnsubscribe:
		if f.Data != "" {
			return fmt.Errorf("unexpected data on %s frame", f.Command)
		}
	case CommandMessage:
		if strings.TrimSpace(f.Data) == "" {
			return errors.New("missing field: data")
		}
	case "":
		return errors.New("missing field: command")
	default:
		return fmt.Errorf("unknown command: %q", f.Command)
	}
	if strings.TrimSpace(f.Identifier) == "" {
		return errors.New("missing field: identifier")
	}
	return nil
}

// Inbound is a server frame. Protocol frames set Type; application events leave
// Type empty and carry the event document in Message.
type Inbound struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
}

// IsProtocol reports whether the frame is a protocol-level frame.
func (in Inbound) IsProtocol() bool {
	switch in.Type {
	case TypeWelcome, TypePing, TypeConfirmSubscription, TypeRejectSubscription, TypeDisconnect:
		return true
	default:
		return false
	}
}

// Validate performs structural validation for an Inbound frame.
func (in Inbound) Validate() error {
	if in.Type != "" {
		if !in.IsProtocol() {
			return fmt.Errorf("unknown type: %q", in.Type)
		}
		return nil
	}
	if len(in.Message) == 0 {
		return errors.New("missing field: message")
	}
	return nil
}

// DecodeInbound parses and validates one inbound frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound frame: %w", err)
	}
	if err := in.Validate(); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// ChannelIdentifier names a top-level subscription (channel + scoping params).
type ChannelIdentifier struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id,omitempty"`
}

// Encode returns the JSON string used in the frame identifier field.
func (c ChannelIdentifier) Encode() (string, error) {
	if strings.TrimSpace(c.Channel) == "" {
		return "", errors.New("missing channel name")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseIdentifier decodes a frame identifier string.
func ParseIdentifier(s string) (ChannelIdentifier, error) {
	var c ChannelIdentifier
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return ChannelIdentifier{}, fmt.Errorf("decode identifier: %w", err)
	}
	if strings.TrimSpace(c.Channel) == "" {
		return ChannelIdentifier{}, errors.New("missing channel name")
	}
	return c, nil
}

// EncodeAction serializes an action invocation as {action, ...data}.
// The action name always wins over a colliding "action" key in data.
func EncodeAction(action string, data map[string]any) (string, error) {
	if strings.TrimSpace(action) == "" {
		return "", errors.New("missing action")
	}
	doc := make(map[string]any, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	doc["action"] = action
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode action %s: %w", action, err)
	}
	return string(b), nil
}

// DecodeAction is the inverse of EncodeAction.
func DecodeAction(s string) (string, map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return "", nil, fmt.Errorf("decode action: %w", err)
	}
	action, _ := doc["action"].(string)
	if action == "" {
		return "", nil, errors.New("missing action")
	}
	delete(doc, "action")
	return action, doc, nil
}

// NewSubscribe builds a subscribe frame for identifier.
func NewSubscribe(identifier string) Frame {
	return Frame{Command: CommandSubscribe, Identifier: identifier}
}

// NewUnsubscribe builds an unsubscribe frame for identifier.
func NewUnsubscribe(identifier string) Frame {
	return Frame{Command: CommandUnsubscribe, Identifier: identifier}
}

// NewCommand builds a message frame carrying {action, ...data}.
func NewCommand(identifier, action string, data map[string]any) (Frame, error) {
	payload, err := EncodeAction(action, data)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Command: CommandMessage, Identifier: identifier, Data: payload}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
