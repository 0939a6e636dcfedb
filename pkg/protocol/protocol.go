// Package protocol defines the JSON control messages exchanged between a
// kiosk client and the voxbooth server over the /ws socket.
//
// Text frames carry exactly one JSON object with a "type" field. Binary
// frames sent by the server are raw audio container bytes with no envelope;
// binary frames are never used for control.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the value of a message's "type" field.
type Type string

// Client → server message types.
const (
	TypeInit       Type = "init"
	TypeRefresh    Type = "refresh"
	TypeSpeak      Type = "speak"
	TypeSynthesize Type = "synthesize"
)

// Server → client message types.
const (
	TypeReady        Type = "ready"
	TypePending      Type = "pending"
	TypeError        Type = "error"
	TypeTaskComplete Type = "task_complete"
	TypeStats        Type = "stats"
)

// ErrUnknownType is returned by [DecodeClient] for a type the server does not
// handle.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ClientMessage is any message a client may send. Fields not used by Type
// are left zero.
type ClientMessage struct {
	Type Type `json:"type"`

	// init
	SessionID string `json:"sessionId,omitempty"`

	// init, refresh
	Model string   `json:"model,omitempty"`
	Speed *float64 `json:"speed,omitempty"`

	// speak, synthesize
	Text    string `json:"text,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`
}

// IsSpeak reports whether m requests synthesis. "synthesize" is an alias of
// "speak".
func (m ClientMessage) IsSpeak() bool {
	return m.Type == TypeSpeak || m.Type == TypeSynthesize
}

// DecodeClient parses one client text frame.
func DecodeClient(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: decode: %w", err)
	}
	switch m.Type {
	case TypeInit, TypeRefresh, TypeSpeak, TypeSynthesize:
		return m, nil
	case "":
		return m, fmt.Errorf("%w: missing type", ErrUnknownType)
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// Stats are the per-request byte counters sent before the terminal message.
type Stats struct {
	// BytesIn counts decoded audio bytes received from the provider.
	BytesIn int64 `json:"bytesIn"`

	// BytesBridged counts bytes written into the transcoder. Zero in relay
	// mode.
	BytesBridged int64 `json:"bytesBridged"`

	// BytesOut counts bytes produced for the client (transcoder output, or
	// provider bytes in relay mode).
	BytesOut int64 `json:"bytesOut"`

	// BytesSent counts bytes actually written to a client socket.
	BytesSent int64 `json:"bytesSent"`

	// BytesDropped counts bytes that had no socket to go to.
	BytesDropped int64 `json:"bytesDropped"`

	Fragments  int64 `json:"fragments"`
	DurationMs int64 `json:"durationMs"`
}

// ServerMessage is any JSON message the server sends.
type ServerMessage struct {
	Type    Type   `json:"type"`
	VoiceID string `json:"voiceId,omitempty"`
	Message string `json:"message,omitempty"`
	Stats   *Stats `json:"stats,omitempty"`
}

// Ready tells the client that the session has a cloned voice.
func Ready(voiceID string) ServerMessage {
	return ServerMessage{Type: TypeReady, VoiceID: voiceID}
}

// Pending tells the client that the session exists but its voice is not
// cloned yet.
func Pending(message string) ServerMessage {
	return ServerMessage{Type: TypePending, Message: message}
}

// Error reports a failure to the client.
func Error(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Message: message}
}

// TaskComplete marks the successful end of a synthesis request.
func TaskComplete() ServerMessage {
	return ServerMessage{Type: TypeTaskComplete}
}

// StatsMessage wraps per-request counters.
func StatsMessage(s Stats) ServerMessage {
	return ServerMessage{Type: TypeStats, Stats: &s}
}

// Encode marshals m for a text frame.
func (m ServerMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type, err)
	}
	return data, nil
}
