package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencode-ai/opencode/internal/runloop"
	"github.com/opencode-ai/opencode/internal/storage"
	"github.com/opencode-ai/opencode/pkg/types"
)

// Store implements runloop.StateStore on top of storage.Storage's
// atomic temp-file-then-rename JSON writes, per spec §4.9.
//
// Three artifacts are persisted per session:
//   - agent_config: the latest AgentState snapshot, one file per session.
//   - conversation_history: one file per run, monotonically numbered so a
//     session's full run history can be replayed in order.
//   - run_logs: a flat JSONL file per session, one line per RunLogEntry,
//     appended directly (storage.Storage only round-trips whole JSON
//     documents, so this is grounded on the corpus's own JSONL idiom
//     rather than on storage.Storage itself; see DESIGN.md).
type Store struct {
	fs   *storage.Storage
	base string

	tracker *Tracker

	mu        sync.Mutex
	runCounts map[string]int
}

// New builds a Store rooted at baseDir.
func New(baseDir string) *Store {
	return &Store{
		fs:        storage.New(baseDir),
		base:      baseDir,
		tracker:   NewTracker(),
		runCounts: make(map[string]int),
	}
}

var _ runloop.StateStore = (*Store)(nil)

// SaveState persists the full AgentState snapshot, overwriting the
// previous one for this session.
func (s *Store) SaveState(ctx context.Context, state *types.AgentState) error {
	state.UpdatedAt = time.Now()
	return s.fs.Put(ctx, []string{"agent_config", state.SessionID}, state)
}

// AppendConversationHistory writes one run's worth of messages as its own
// numbered file under the session's conversation_history directory, per
// spec §4.9's "monotonic per-session run numbering".
func (s *Store) AppendConversationHistory(ctx context.Context, sessionID string, messages []types.Message) error {
	n := s.nextRunNumber(sessionID)
	entry := struct {
		RunNumber int             `json:"run_number"`
		SavedAt   time.Time       `json:"saved_at"`
		Messages  []types.Message `json:"messages"`
	}{RunNumber: n, SavedAt: time.Now(), Messages: messages}

	return s.fs.Put(ctx, []string{"conversation_history", sessionID, fmt.Sprintf("%06d", n)}, entry)
}

func (s *Store) nextRunNumber(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.runCounts[sessionID]; ok {
		s.runCounts[sessionID] = n + 1
		return n + 1
	}

	existing, _ := s.fs.List(context.Background(), []string{"conversation_history", sessionID})
	n := len(existing) + 1
	s.runCounts[sessionID] = n
	return n
}

// AppendRunLog appends entries as JSONL to the session's run_logs file.
func (s *Store) AppendRunLog(ctx context.Context, sessionID string, entries []runloop.RunLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	dir := filepath.Join(s.base, "run_logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run_logs directory: %w", err)
	}

	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to append run log entry: %w", err)
		}
	}

	return nil
}

// LaunchBackgroundSave runs fn in the background, logging any failure since
// nothing downstream awaits its return value directly. Use Drain to wait for
// outstanding saves before the process exits.
func (s *Store) LaunchBackgroundSave(name string, fn func(context.Context) error) {
	s.tracker.Launch(name, fn)
}

// Drain waits up to timeout for outstanding background saves to finish.
func (s *Store) Drain(timeout time.Duration) DrainResult {
	return s.tracker.Drain(timeout)
}
