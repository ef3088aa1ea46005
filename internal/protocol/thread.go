package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Thread groups related messages. Threads are implicitly created on the
// first message carrying (or assigned) a thread id and closed when the
// creator sends a completion containing the RESOLVED token.
type Thread struct {
	ID             string   `json:"id"`
	CreatedBy      string   `json:"createdBy"`
	Participants   []string `json:"participants"`
	OpenedAt       int64    `json:"openedAt"`       // unix milliseconds
	LastActivityAt int64    `json:"lastActivityAt"` // unix milliseconds
	Closed         bool     `json:"closed"`
	ClosedBy       string   `json:"closedBy,omitempty"`
	ClosedAt       int64    `json:"closedAt,omitempty"`
}

// NewThread creates a thread for a message. The sender and, for directed
// messages, the recipient form the initial participant set.
func NewThread(id string, m *Message, now time.Time) *Thread {
	t := &Thread{
		ID:             id,
		CreatedBy:      m.From,
		OpenedAt:       now.UnixMilli(),
		LastActivityAt: now.UnixMilli(),
	}
	t.AddParticipant(m.From)
	if !m.Broadcast() {
		t.AddParticipant(m.To)
	}
	return t
}

// AddParticipant adds an agent id to the participant set if absent.
func (t *Thread) AddParticipant(agentID string) {
	if agentID == "" {
		return
	}
	for _, p := range t.Participants {
		if p == agentID {
			return
		}
	}
	t.Participants = append(t.Participants, agentID)
}

// Touch records activity from a message: refreshes last activity and folds
// in any new participants. Closed threads still record activity.
func (t *Thread) Touch(m *Message, now time.Time) {
	t.LastActivityAt = now.UnixMilli()
	t.AddParticipant(m.From)
	if !m.Broadcast() {
		t.AddParticipant(m.To)
	}
}

// Close marks the thread resolved.
func (t *Thread) Close(by string, now time.Time) {
	t.Closed = true
	t.ClosedBy = by
	t.ClosedAt = now.UnixMilli()
	t.LastActivityAt = now.UnixMilli()
}

// Marshal renders the thread as indented JSON.
func (t *Thread) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling thread %s: %w", t.ID, err)
	}
	return data, nil
}

// ParseThread decodes a thread file.
func ParseThread(data []byte) (*Thread, error) {
	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing thread: %w", err)
	}
	if t.ID == "" {
		return nil, fmt.Errorf("thread id is required")
	}
	return &t, nil
}
