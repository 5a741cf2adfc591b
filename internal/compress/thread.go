package compress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Message is one turn of a conversation.
type Message struct {
	Sender    string            `json:"sender"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp,omitzero"`
	Assistant bool              `json:"assistant,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Role is the label a message is rendered under.
func (m Message) Role() string {
	switch {
	case m.Assistant:
		return "assistant"
	case m.Sender != "":
		return m.Sender
	default:
		return "user"
	}
}

// Line renders the message as "role: text".
func (m Message) Line() string {
	return m.Role() + ": " + m.Text
}

// Thread is an ordered conversation, oldest message first.
type Thread struct {
	ID       string    `json:"id,omitempty"`
	Messages []Message `json:"messages"`
}

// ReadThread decodes a thread from JSON. Both {"messages": [...]} and a bare
// array of messages are accepted.
func ReadThread(r io.Reader) (Thread, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Thread{}, fmt.Errorf("read thread: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Thread{}, nil
	}

	var th Thread
	if data[0] == '[' {
		if err := json.Unmarshal(data, &th.Messages); err != nil {
			return Thread{}, fmt.Errorf("decode messages: %w", err)
		}
		return th, nil
	}
	if err := json.Unmarshal(data, &th); err != nil {
		return Thread{}, fmt.Errorf("decode thread: %w", err)
	}
	return th, nil
}
