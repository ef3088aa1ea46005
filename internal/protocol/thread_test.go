package protocol

import (
	"testing"
	"time"
)

func TestNewThreadParticipants(t *testing.T) {
	now := time.UnixMilli(1700000000000)

	t.Run("directed", func(t *testing.T) {
		m := &Message{From: "alice", To: "bob", Type: TypeQuestion, Content: "?"}
		th := NewThread("t1", m, now)
		if th.CreatedBy != "alice" {
			t.Errorf("CreatedBy = %q, want alice", th.CreatedBy)
		}
		if len(th.Participants) != 2 {
			t.Fatalf("participants = %v, want [alice bob]", th.Participants)
		}
	})

	t.Run("broadcast has only the sender", func(t *testing.T) {
		m := &Message{From: "alice", To: "all", Type: TypeContext, Content: "fyi"}
		th := NewThread("t2", m, now)
		if len(th.Participants) != 1 || th.Participants[0] != "alice" {
			t.Errorf("participants = %v, want [alice]", th.Participants)
		}
	})
}

func TestThreadTouchDedupsParticipants(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	m := &Message{From: "alice", To: "bob", Type: TypeQuestion, Content: "?"}
	th := NewThread("t1", m, now)

	later := now.Add(time.Minute)
	reply := &Message{From: "bob", To: "alice", Type: TypeCompletion, Content: "done"}
	th.Touch(reply, later)

	if len(th.Participants) != 2 {
		t.Errorf("participants = %v, want deduped [alice bob]", th.Participants)
	}
	if th.LastActivityAt != later.UnixMilli() {
		t.Errorf("LastActivityAt = %d, want %d", th.LastActivityAt, later.UnixMilli())
	}
}

func TestThreadClose(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	m := &Message{From: "alice", To: "bob", Type: TypeQuestion, Content: "?"}
	th := NewThread("t1", m, now)

	th.Close("alice", now.Add(time.Hour))
	if !th.Closed || th.ClosedBy != "alice" || th.ClosedAt == 0 {
		t.Errorf("Close() left thread %+v", th)
	}
}

func TestThreadRoundTrip(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	m := &Message{From: "alice", To: "bob", Type: TypeQuestion, Content: "?"}
	th := NewThread("t1", m, now)

	data, err := th.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	got, err := ParseThread(data)
	if err != nil {
		t.Fatalf("ParseThread() error: %v", err)
	}
	if got.ID != th.ID || got.CreatedBy != th.CreatedBy {
		t.Errorf("round trip mismatch: %+v vs %+v", got, th)
	}

	if _, err := ParseThread([]byte(`{"closed":true}`)); err == nil {
		t.Error("ParseThread should reject a thread without id")
	}
}
