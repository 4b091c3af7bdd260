package queue

import (
	"encoding/json"
	"strings"
)

// MessageVersion is bumped when the payload shape changes.
const MessageVersion = 1

// ProcessOptions are caller overrides for one processing run.
type ProcessOptions struct {
	SkipAI         bool   `json:"skipAi,omitempty"`
	SkipEmbeddings bool   `json:"skipEmbeddings,omitempty"`
	Language       string `json:"language,omitempty"`
}

// Message asks a worker to run the analysis pipeline for one session.
type Message struct {
	SessionID  string         `json:"sessionId"`
	RequestID  string         `json:"requestId"`
	EnqueuedAt string         `json:"enqueuedAt"`
	Version    int            `json:"version"`
	Options    ProcessOptions `json:"options"`
	// Attempt is set by in-process runners; SQS uses ApproximateReceiveCount.
	Attempt int `json:"attempt,omitempty"`
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	msg.SessionID = strings.TrimSpace(msg.SessionID)
	return msg, nil
}
