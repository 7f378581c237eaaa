package client

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one event delivered from injected code to script listeners.
// The concrete type is one of SendMessage, LogMessage, or ErrorMessage;
// consumers switch exhaustively on it.
type Message interface {
	isMessage()
}

// SendMessage carries a payload emitted via send() by injected code.
type SendMessage struct {
	Payload json.RawMessage
}

// LogMessage carries a log line emitted by injected code.
type LogMessage struct {
	Level   string
	Payload string
}

// ErrorMessage reports an uncaught runtime failure inside the script.
// It is delivered to listeners, never raised against a control call.
type ErrorMessage struct {
	Description  string
	Stack        string
	FileName     string
	LineNumber   int
	ColumnNumber int
}

func (SendMessage) isMessage()  {}
func (LogMessage) isMessage()   {}
func (ErrorMessage) isMessage() {}

type wireMessage struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Level        string          `json:"level,omitempty"`
	Description  string          `json:"description,omitempty"`
	Stack        string          `json:"stack,omitempty"`
	FileName     string          `json:"fileName,omitempty"`
	LineNumber   int             `json:"lineNumber,omitempty"`
	ColumnNumber int             `json:"columnNumber,omitempty"`
}

// DecodeMessage parses the wire shape keyed by the "type" tag. Unknown
// tags are a protocol violation and decode to an error.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("client: decode message: %w", err)
	}
	switch wire.Type {
	case "send":
		return SendMessage{Payload: wire.Payload}, nil
	case "log":
		var text string
		if len(wire.Payload) > 0 {
			if err := json.Unmarshal(wire.Payload, &text); err != nil {
				return nil, fmt.Errorf("client: decode log payload: %w", err)
			}
		}
		return LogMessage{Level: wire.Level, Payload: text}, nil
	case "error":
		return ErrorMessage{
			Description:  wire.Description,
			Stack:        wire.Stack,
			FileName:     wire.FileName,
			LineNumber:   wire.LineNumber,
			ColumnNumber: wire.ColumnNumber,
		}, nil
	case "":
		return nil, fmt.Errorf("client: message missing type tag")
	default:
		return nil, fmt.Errorf("client: unknown message type %q", strings.TrimSpace(wire.Type))
	}
}
