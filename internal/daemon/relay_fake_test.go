package daemon

import (
	"context"
	"sync"

	"github.com/xnoto/agenthub/internal/relay"
)

// fakeRelay implements relayAPI for tests.
type fakeRelay struct {
	mu sync.Mutex

	sessions  []relay.Session
	listErr   error
	listCalls int

	injectFn func(sessionID, text string) error
	injected []injection

	messages    []relay.SessionMessage
	messagesErr error
}

type injection struct {
	sessionID string
	text      string
}

func (f *fakeRelay) ListSessions(ctx context.Context) ([]relay.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]relay.Session, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeRelay) Inject(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	fn := f.injectFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(sessionID, text); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, injection{sessionID: sessionID, text: text})
	return nil
}

func (f *fakeRelay) SessionMessages(ctx context.Context, sessionID string) ([]relay.SessionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return f.messages, nil
}

func (f *fakeRelay) setSessions(sessions ...relay.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
}

func (f *fakeRelay) injections() []injection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]injection, len(f.injected))
	copy(out, f.injected)
	return out
}

func (f *fakeRelay) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}
