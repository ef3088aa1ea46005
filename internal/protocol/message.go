// Package protocol defines the message and thread formats exchanged
// through the agent hub spool, plus the agent id derivation rules.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority represents message priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// MessageType represents the semantic type of a message.
type MessageType string

const (
	TypeTask       MessageType = "task"       // request for work
	TypeQuestion   MessageType = "question"   // needs an answer
	TypeContext    MessageType = "context"    // FYI, no response expected
	TypeCompletion MessageType = "completion" // work finished, may resolve a thread
	TypeError      MessageType = "error"      // something went wrong
)

// BroadcastTarget addresses a message to every known agent except the sender.
const BroadcastTarget = "all"

// Message is a single spool file. External producers write these into
// messages/; the daemon annotates and moves them to messages/archive/.
type Message struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Priority  Priority    `json:"priority,omitempty"`
	ThreadID  string      `json:"threadId,omitempty"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds

	// Delivery annotations, written by the daemon before archiving.
	Read            bool    `json:"read,omitempty"`
	DeliveredAt     float64 `json:"deliveredAt,omitempty"`
	RateLimited     bool    `json:"rateLimited,omitempty"`
	RateLimitReason string  `json:"rateLimitReason,omitempty"`
	Expired         bool    `json:"expired,omitempty"`
	Undeliverable   bool    `json:"undeliverable,omitempty"`
	InjectFailed    bool    `json:"injectFailed,omitempty"`
}

// ParseMessage decodes and validates a spool file.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the message is well-formed.
func (m *Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("message 'from' is required")
	}
	if m.To == "" {
		return fmt.Errorf("message 'to' is required")
	}
	switch m.Type {
	case TypeTask, TypeQuestion, TypeContext, TypeCompletion, TypeError:
	default:
		return fmt.Errorf("invalid message type: %q", m.Type)
	}
	if m.Content == "" {
		return fmt.Errorf("message content is required")
	}
	switch m.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return fmt.Errorf("invalid priority: %q", m.Priority)
	}
	return nil
}

// Broadcast reports whether the message targets every agent.
func (m *Message) Broadcast() bool {
	return m.To == BroadcastTarget
}

// Age returns how long ago the message was produced.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.Timestamp))
}

// Marshal renders the message as indented JSON for the spool and archive.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling message: %w", err)
	}
	return data, nil
}

// NewThreadID derives a thread id for a message that arrived without one:
// the sender and recipient joined with a short random suffix so concurrent
// conversations between the same pair stay distinct.
func NewThreadID(from, to string) string {
	suffix := uuid.Must(uuid.NewV7()).String()[:8]
	return fmt.Sprintf("%s-%s-%s", Slugify(from), Slugify(to), suffix)
}

// ContainsResolved reports whether content carries the RESOLVED marker as a
// standalone token. Matching is case-sensitive and token-bounded, so
// "UNRESOLVED" or "resolved" do not close threads.
func ContainsResolved(content string) bool {
	const marker = "RESOLVED"
	for i := 0; i+len(marker) <= len(content); i++ {
		if content[i:i+len(marker)] != marker {
			continue
		}
		if i > 0 && isTokenChar(content[i-1]) {
			continue
		}
		if end := i + len(marker); end < len(content) && isTokenChar(content[end]) {
			continue
		}
		return true
	}
	return false
}

func isTokenChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
