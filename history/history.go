// Package history keeps a newest-first log of finished generations. It is fed
// by a task listener; the task manager never writes to it directly.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"genqueue/task"

	"github.com/lithammer/shortuuid/v4"
)

var ErrNotFound = errors.New("history entry not found")

type Entry struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Type      task.Type      `json:"type"`
	Prompt    string         `json:"prompt"`
	ModelID   string         `json:"modelId"`
	Seed      int64          `json:"seed,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	Result    *task.Result   `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
}

type Store struct {
	mu       sync.RWMutex
	entries  []Entry // newest first
	recorded map[string]bool
	limit    int
	logger   *slog.Logger
}

func NewStore(limit int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		recorded: make(map[string]bool),
		limit:    limit,
		logger:   logger.With("component", "history"),
	}
}

// Record adds a completed task. Tasks in any other state, and tasks already
// recorded, are ignored. It reports whether an entry was added.
func (s *Store) Record(t task.Task) bool {
	if t.Status != task.StatusCompleted || t.Result == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorded[t.ID] {
		return false
	}
	s.recorded[t.ID] = true

	prefix := "img"
	if task.KindOf(t.Type) == task.KindVideo {
		prefix = "vid"
	}
	e := Entry{
		ID:        fmt.Sprintf("%s_%s", prefix, shortuuid.New()),
		TaskID:    t.ID,
		Type:      t.Type,
		Prompt:    t.Prompt,
		ModelID:   t.ModelID,
		Seed:      t.Result.Seed(),
		Options:   t.Options,
		Result:    t.Result,
		Timestamp: time.Now(),
	}
	if p := t.Result.Prompt(); p != "" {
		e.Prompt = p
	}

	s.entries = append([]Entry{e}, s.entries...)
	if s.limit > 0 && len(s.entries) > s.limit {
		s.entries = s.entries[:s.limit]
	}
	s.logger.Info("generation recorded", "entry_id", e.ID, "task_id", t.ID)
	return true
}

// Listener records every completed task in each snapshot it receives. Marks
// for tasks missing from the snapshot are dropped, since a task cleared from
// the manager never comes back.
func (s *Store) Listener() task.Listener {
	return func(tasks []task.Task) {
		live := make(map[string]struct{}, len(tasks))
		for _, t := range tasks {
			live[t.ID] = struct{}{}
			s.Record(t)
		}
		s.forgetExcept(live)
	}
}

func (s *Store) forgetExcept(live map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.recorded {
		if _, ok := live[id]; !ok {
			delete(s.recorded, id)
		}
	}
}

func (e Entry) clone() Entry {
	if e.Options != nil {
		opts := make(map[string]any, len(e.Options))
		for k, v := range e.Options {
			opts[k] = v
		}
		e.Options = opts
	}
	e.Result = e.Result.Clone()
	return e
}

// List returns entries newest first, optionally restricted to one kind.
func (s *Store) List(kind task.Kind) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if kind != "" && task.KindOf(e.Type) != kind {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

func (s *Store) Get(id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e.clone(), nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Clear drops every entry. Tasks recorded before stay marked while they are
// still in the manager, so they are not recorded a second time.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
