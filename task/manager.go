package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"genqueue/config"

	"github.com/lithammer/shortuuid/v4"
)

// Manager owns an in-memory set of tasks. It admits pending tasks up to the
// configured concurrency bound, polls the backend for each admitted task in
// its own goroutine and notifies listeners after every change.
type Manager struct {
	cfg    *config.Config
	client JobClient
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []*Task // newest first
	index   map[string]*Task
	active  map[string]context.CancelFunc // tasks holding a concurrency slot
	stopped bool
	outbox  [][]Task // snapshots not yet delivered, in mutation order

	notifyMu  sync.Mutex
	lmu       sync.RWMutex
	listeners []listenerEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg *config.Config, client JobClient, logger *slog.Logger) (*Manager, error) {
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if client == nil {
		return nil, errors.New("job client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "task_manager"),
		index:  make(map[string]*Task),
		active: make(map[string]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
	}
	return m, nil
}

// Start ties the manager's lifetime to ctx: when ctx is done every polling
// goroutine is stopped.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("task manager started",
		"max_concurrency", m.cfg.MaxConcurrency,
		"poll_interval", m.cfg.PollInterval.String(),
		"poll_timeout", m.cfg.PollTimeout.String())
	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-m.ctx.Done():
		}
	}()
}

// Stop cancels all polling and waits for the goroutines to return. Tasks keep
// the state they had; nothing is admitted afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("task manager stopped")
}

// AddTask records a new pending task and runs admission. It never fails;
// prompt and options are passed to the backend unchecked.
func (m *Manager) AddTask(typ Type, prompt, modelID string, options map[string]any) Task {
	opts := make(map[string]any, len(options))
	for k, v := range options {
		opts[k] = v
	}

	m.mu.Lock()
	t := &Task{
		ID:        fmt.Sprintf("task_%s_%d", shortuuid.New(), time.Now().Unix()),
		Type:      typ,
		Status:    StatusPending,
		Prompt:    prompt,
		ModelID:   modelID,
		Options:   opts,
		StartTime: time.Now(),
	}
	m.tasks = append([]*Task{t}, m.tasks...)
	m.index[t.ID] = t
	created := t.clone()
	m.publishLocked()
	m.logger.Info("task added", "task_id", t.ID, "task_type", string(typ), "model_id", modelID)
	m.admitLocked()
	m.mu.Unlock()

	m.flush()
	return created
}

func (m *Manager) GetTask(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.index[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// GetAllTasks returns a copy of every task, most recently added first.
func (m *Manager) GetAllTasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// CancelTask asks the backend to cancel the task's request and, once the
// backend accepts, marks the task failed with CancelledMessage. It returns
// false without side effects when the task is unknown, has not been
// submitted yet, is already terminal, or the backend call fails.
func (m *Manager) CancelTask(ctx context.Context, id string) bool {
	m.mu.Lock()
	t, ok := m.index[id]
	if !ok || t.RequestID == "" || t.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	modelID, requestID := t.ModelID, t.RequestID
	m.mu.Unlock()

	if err := m.client.Cancel(ctx, modelID, requestID); err != nil {
		m.logger.Error("failed to cancel task",
			"task_id", id,
			"request_id", requestID,
			"error", err)
		return false
	}

	cancelled := m.finish(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = CancelledMessage
	})
	if cancelled {
		m.logger.Info("task cancelled", "task_id", id, "request_id", requestID)
	}
	return cancelled
}

// ClearTask removes a task whatever its state. An active task gives its slot
// back and its polling goroutine is stopped; the backend request itself is
// left running. Unknown ids are ignored.
func (m *Manager) ClearTask(id string) {
	m.mu.Lock()
	if _, ok := m.index[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.index, id)
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			break
		}
	}
	m.releaseLocked(id)
	m.publishLocked()
	m.admitLocked()
	m.mu.Unlock()

	m.flush()
}

// ClearCompletedTasks removes every completed or failed task in one pass.
func (m *Manager) ClearCompletedTasks() {
	m.mu.Lock()
	kept := m.tasks[:0]
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			delete(m.index, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(m.tasks); i++ {
		m.tasks[i] = nil
	}
	m.tasks = kept
	m.publishLocked()
	m.mu.Unlock()

	m.flush()
}

// Stats counts tasks per status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InQueue    int `json:"inQueue"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Active     int `json:"active"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Total: len(m.tasks), Active: len(m.active)}
	for _, t := range m.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInQueue:
			s.InQueue++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// admitLocked promotes pending tasks, oldest first, while slots are free.
func (m *Manager) admitLocked() {
	if m.stopped {
		return
	}
	available := m.cfg.MaxConcurrency - len(m.active)
	// m.tasks is newest first, so walking it backwards follows arrival order.
	for i := len(m.tasks) - 1; i >= 0 && available > 0; i-- {
		t := m.tasks[i]
		if t.Status != StatusPending {
			continue
		}
		available--

		ctx, cancel := context.WithCancel(m.ctx)
		m.active[t.ID] = cancel
		t.Status = StatusInQueue
		t.Progress = 0
		m.publishLocked()
		m.logger.Info("task admitted", "task_id", t.ID, "model_id", t.ModelID, "active", len(m.active))

		input := make(map[string]any, len(t.Options)+1)
		for k, v := range t.Options {
			input[k] = v
		}
		input["prompt"] = t.Prompt

		m.wg.Add(1)
		go m.run(ctx, t.ID, t.Type, t.ModelID, t.Prompt, input)
	}
}

// releaseLocked frees the slot held by id, if any, and stops its goroutine.
func (m *Manager) releaseLocked(id string) {
	if cancel, ok := m.active[id]; ok {
		delete(m.active, id)
		cancel()
	}
}

// update applies fn to a task that is still present and not terminal.
func (m *Manager) update(id string, fn func(t *Task)) bool {
	m.mu.Lock()
	t, ok := m.index[id]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	fn(t)
	m.publishLocked()
	m.mu.Unlock()

	m.flush()
	return true
}

// finish moves a live task into a terminal state, frees its slot and admits
// the next pending tasks.
func (m *Manager) finish(id string, fn func(t *Task)) bool {
	m.mu.Lock()
	t, ok := m.index[id]
	if !ok || t.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	fn(t)
	end := time.Now()
	t.EndTime = &end
	m.releaseLocked(id)
	m.publishLocked()
	m.admitLocked()
	m.mu.Unlock()

	m.flush()
	return true
}

func (m *Manager) fail(id, msg string) {
	if m.finish(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = msg
	}) {
		m.logger.Warn("task failed", "task_id", id, "error", msg)
	}
}

// run submits one admitted task and polls it until it is terminal or its
// context is cancelled by ClearTask, CancelTask or Stop.
func (m *Manager) run(ctx context.Context, id string, typ Type, modelID, prompt string, input map[string]any) {
	defer m.wg.Done()

	requestID, err := m.client.Submit(ctx, modelID, input)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.fail(id, err.Error())
		return
	}
	if !m.update(id, func(t *Task) { t.RequestID = requestID }) {
		return
	}
	m.logger.Info("task submitted", "task_id", id, "model_id", modelID, "request_id", requestID)

	started := time.Now()
	for {
		status, err := m.client.Status(ctx, modelID, requestID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.fail(id, err.Error())
			return
		}
		m.logger.Debug("task polled", "task_id", id, "request_id", requestID, "state", string(status.State))

		switch status.State {
		case StateInQueue:
			m.update(id, func(t *Task) {
				t.Status = StatusInQueue
				t.Progress = 0
				t.QueuePosition = status.QueuePosition
			})
		case StateInProgress:
			m.update(id, func(t *Task) {
				t.Status = StatusInProgress
				t.Progress = 50
				t.Logs = status.Logs
				t.QueuePosition = nil
			})
		case StateCompleted:
			m.complete(ctx, id, typ, modelID, requestID, prompt)
			return
		case StateFailed:
			m.fail(id, failureMessage(status.Logs))
			return
		default:
			m.fail(id, fmt.Sprintf("unknown job state %q", status.State))
			return
		}

		if m.cfg.PollTimeout > 0 && time.Since(started) >= m.cfg.PollTimeout {
			m.fail(id, fmt.Sprintf("polling timed out after %s", m.cfg.PollTimeout))
			return
		}

		timer := time.NewTimer(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) complete(ctx context.Context, id string, typ Type, modelID, requestID, prompt string) {
	data, err := m.client.Result(ctx, modelID, requestID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.fail(id, err.Error())
		return
	}
	res, err := DecodeResult(typ, data, prompt)
	if err != nil {
		m.fail(id, err.Error())
		return
	}
	if m.finish(id, func(t *Task) {
		t.Status = StatusCompleted
		t.Progress = 100
		t.Result = res
		t.QueuePosition = nil
	}) {
		m.logger.Info("task completed", "task_id", id, "request_id", requestID)
	}
}

func (m *Manager) snapshotLocked() []Task {
	out := make([]Task, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t.clone()
	}
	return out
}
