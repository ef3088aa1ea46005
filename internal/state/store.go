// Package state holds the daemon's in-memory tables (agents, sessions,
// oriented-set, session→agent map) and their JSON persistence. Each table
// has its own mutex; the only permitted nested acquisition order is
// agents → sessions.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/xnoto/agenthub/internal/hub"
)

// Agent is a logical identity bound to a session. One JSON file per agent
// lives in agents/; external actors may also write these to pre-register.
type Agent struct {
	ID         string `json:"agent_id"`
	SessionID  string `json:"session_id,omitempty"`
	Directory  string `json:"directory,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	LastSeenAt int64  `json:"last_seen_at"`
}

// Session is the daemon's view of one relay session. CreatedAt is the
// relay's creation timestamp; FirstSeenAt is when this daemon first
// observed the session. Both unix ms.
type Session struct {
	ID          string
	Title       string
	Slug        string
	Directory   string
	CreatedAt   int64
	FirstSeenAt int64
}

// Store is the shared state for all daemon loops.
type Store struct {
	paths hub.Paths
	log   *slog.Logger

	agentsMu sync.Mutex
	agents   map[string]Agent

	sessionsMu    sync.Mutex
	sessions      map[string]Session
	oriented      map[string]struct{}
	sessionAgents map[string]string
}

// Open loads persisted state from the hub directory. Missing files are
// treated as empty; corrupt agent files are skipped with a warning so one
// bad record cannot keep the daemon down.
func Open(paths hub.Paths, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		paths:         paths,
		log:           log,
		agents:        make(map[string]Agent),
		sessions:      make(map[string]Session),
		oriented:      make(map[string]struct{}),
		sessionAgents: make(map[string]string),
	}
	if err := s.loadAgents(); err != nil {
		return nil, err
	}
	if err := s.loadOriented(); err != nil {
		return nil, err
	}
	if err := s.loadSessionAgents(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAgents() error {
	entries, err := os.ReadDir(s.paths.Agents)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading agents dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.paths.Agents, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("failed to read agent file", "path", path, "error", err)
			continue
		}
		var a Agent
		if err := json.Unmarshal(data, &a); err != nil || a.ID == "" {
			s.log.Warn("skipping malformed agent file", "path", path, "error", err)
			continue
		}
		s.agents[a.ID] = a
	}
	return nil
}

func (s *Store) loadOriented() error {
	data, err := os.ReadFile(s.paths.OrientedFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading oriented sessions: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.log.Warn("oriented sessions file malformed, starting empty", "error", err)
		return nil
	}
	for _, id := range ids {
		s.oriented[id] = struct{}{}
	}
	return nil
}

func (s *Store) loadSessionAgents() error {
	data, err := os.ReadFile(s.paths.SessionAgentsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading session agents: %w", err)
	}
	if err := json.Unmarshal(data, &s.sessionAgents); err != nil {
		s.log.Warn("session agents file malformed, starting empty", "error", err)
		s.sessionAgents = make(map[string]string)
	}
	return nil
}

// UpsertAgent writes the agent record to memory and disk. CreatedAt is
// preserved for existing agents.
func (s *Store) UpsertAgent(a Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	now := time.Now().UnixMilli()
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()

	if existing, ok := s.agents[a.ID]; ok {
		a.CreatedAt = existing.CreatedAt
		if a.LastSeenAt == 0 {
			a.LastSeenAt = existing.LastSeenAt
		}
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	if a.LastSeenAt == 0 {
		a.LastSeenAt = now
	}
	s.agents[a.ID] = a
	return s.writeAgentLocked(a)
}

func (s *Store) writeAgentLocked(a Agent) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling agent %s: %w", a.ID, err)
	}
	path := filepath.Join(s.paths.Agents, a.ID+".json")
	if err := hub.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("writing agent %s: %w", a.ID, err)
	}
	return nil
}

// TouchAgent refreshes an agent's last_seen_at.
func (s *Store) TouchAgent(agentID string, now time.Time) error {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil
	}
	a.LastSeenAt = now.UnixMilli()
	s.agents[agentID] = a
	return s.writeAgentLocked(a)
}

// Agent returns the record for an agent id.
func (s *Store) Agent(agentID string) (Agent, bool) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	a, ok := s.agents[agentID]
	return a, ok
}

// Agents returns all agent records sorted by id.
func (s *Store) Agents() []Agent {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AgentCount returns the number of registered agents.
func (s *Store) AgentCount() int {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	return len(s.agents)
}

// RemoveAgent deletes the agent from memory and disk.
func (s *Store) RemoveAgent(agentID string) error {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	delete(s.agents, agentID)
	path := filepath.Join(s.paths.Agents, agentID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing agent file %s: %w", path, err)
	}
	return nil
}

// ReloadAgents re-reads the agents directory. External actors register
// agents by dropping files there, so the watcher calls this on changes.
func (s *Store) ReloadAgents() error {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	s.agents = make(map[string]Agent)
	return s.loadAgents()
}

// SetSessions replaces the session table with the relay's current truth
// and returns the sessions that appeared and disappeared.
func (s *Store) SetSessions(current []Session) (added, removed []Session) {
	now := time.Now().UnixMilli()
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	next := make(map[string]Session, len(current))
	for _, sess := range current {
		if sess.ID == "" {
			continue
		}
		if known, ok := s.sessions[sess.ID]; ok {
			sess.FirstSeenAt = known.FirstSeenAt
		} else {
			if sess.FirstSeenAt == 0 {
				sess.FirstSeenAt = now
			}
			added = append(added, sess)
		}
		next[sess.ID] = sess
	}
	for id, sess := range s.sessions {
		if _, ok := next[id]; !ok {
			removed = append(removed, sess)
		}
	}
	s.sessions = next
	return added, removed
}

// Session returns the session for an id.
func (s *Store) Session(sessionID string) (Session, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// HasSession reports whether the session is currently known.
func (s *Store) HasSession(sessionID string) bool {
	_, ok := s.Session(sessionID)
	return ok
}

// Oriented reports whether the session already received orientation.
func (s *Store) Oriented(sessionID string) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	_, ok := s.oriented[sessionID]
	return ok
}

// OrientedCount returns the size of the oriented set.
func (s *Store) OrientedCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.oriented)
}

// MarkOriented adds the session to the oriented set and persists it.
// Orientation must never repeat across restarts, so the write happens
// before the injection result is even known.
func (s *Store) MarkOriented(sessionID string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.oriented[sessionID] = struct{}{}
	return s.writeOrientedLocked()
}

// RemoveOriented drops session ids from the oriented set.
func (s *Store) RemoveOriented(sessionIDs ...string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	changed := false
	for _, id := range sessionIDs {
		if _, ok := s.oriented[id]; ok {
			delete(s.oriented, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.writeOrientedLocked()
}

// OrientedSessions returns a copy of the oriented set.
func (s *Store) OrientedSessions() []string {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]string, 0, len(s.oriented))
	for id := range s.oriented {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) writeOrientedLocked() error {
	ids := make([]string, 0, len(s.oriented))
	for id := range s.oriented {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshaling oriented sessions: %w", err)
	}
	unlock, err := lockFile(s.paths.OrientedFile)
	if err != nil {
		return err
	}
	defer unlock()
	return hub.WriteFileAtomic(s.paths.OrientedFile, data)
}

// MapSession records session→agent. The map is the authority for id
// assignment across restarts. Remapping a session to a different agent is
// an invariant violation; the most recent mapping wins and the conflict is
// logged at ERROR.
func (s *Store) MapSession(sessionID, agentID string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if existing, ok := s.sessionAgents[sessionID]; ok && existing != agentID {
		s.log.Error("session already mapped to a different agent, preferring newest",
			"session", sessionID,
			"old_agent", existing,
			"new_agent", agentID,
		)
	}
	s.sessionAgents[sessionID] = agentID
	return s.writeSessionAgentsLocked()
}

// AgentIDForSession returns the mapped agent id for a session.
func (s *Store) AgentIDForSession(sessionID string) (string, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	id, ok := s.sessionAgents[sessionID]
	return id, ok
}

// SessionAgents returns a copy of the session→agent map.
func (s *Store) SessionAgents() map[string]string {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make(map[string]string, len(s.sessionAgents))
	for k, v := range s.sessionAgents {
		out[k] = v
	}
	return out
}

// UnmapSessions drops session→agent entries and persists the map.
func (s *Store) UnmapSessions(sessionIDs ...string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	changed := false
	for _, id := range sessionIDs {
		if _, ok := s.sessionAgents[id]; ok {
			delete(s.sessionAgents, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.writeSessionAgentsLocked()
}

func (s *Store) writeSessionAgentsLocked() error {
	data, err := json.MarshalIndent(s.sessionAgents, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session agents: %w", err)
	}
	unlock, err := lockFile(s.paths.SessionAgentsFile)
	if err != nil {
		return err
	}
	defer unlock()
	return hub.WriteFileAtomic(s.paths.SessionAgentsFile, data)
}

// Flush persists every table. Called at shutdown.
func (s *Store) Flush() error {
	s.agentsMu.Lock()
	for _, a := range s.agents {
		if err := s.writeAgentLocked(a); err != nil {
			s.agentsMu.Unlock()
			return err
		}
	}
	s.agentsMu.Unlock()

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if err := s.writeOrientedLocked(); err != nil {
		return err
	}
	return s.writeSessionAgentsLocked()
}

// lockFile takes an exclusive flock on path.lock for the duration of a
// registry write. The spool and registries are shared with external
// producers, so in-process mutexes alone are not enough.
func lockFile(path string) (func(), error) {
	l := flock.New(path + ".lock")
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() { _ = l.Unlock() }, nil
}
