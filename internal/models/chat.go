package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message represents an individual entry of a transcript. It carries the participant's role and the text
// of the message. On the wire and in storage a message takes the generative-language API shape
// {"parts":[{"text":...}],"role":...}, so a transcript can be sent back to the API as history verbatim.
type Message struct {
	Role Role
	Text string
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleModel represents a message produced by the model.
	RoleModel Role = "model"
)

// Part is a single text part of a message in its wire form.
type Part struct {
	Text string `json:"text"`
}

type wireMessage struct {
	Parts []Part `json:"parts"`
	Role  Role   `json:"role"`
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModel
}

// MarshalJSON encodes the message as {"parts":[{"text":...}],"role":...}.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		Parts: []Part{{Text: m.Text}},
		Role:  m.Role,
	})
}

// UnmarshalJSON decodes the wire form of a message. Text of multiple parts is concatenated.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Role.Valid() {
		return fmt.Errorf("unknown message role %q", w.Role)
	}

	var sb strings.Builder
	for _, p := range w.Parts {
		sb.WriteString(p.Text)
	}
	m.Role = w.Role
	m.Text = sb.String()
	return nil
}
