package task

import (
	"context"
	"errors"
	"sync"
)

// fakeClient is an in-memory JobClient. Request ids are "req-" + prompt, and
// every request reports IN_PROGRESS until the test moves it elsewhere.
type fakeClient struct {
	mu          sync.Mutex
	states      map[string]JobState
	logs        map[string][]string
	statusErrs  map[string]error
	results     map[string]map[string]any
	submitted   []string
	statusCalls map[string]int
	cancelled   []string

	submitErr error
	cancelErr error
	gate      chan struct{} // when set, Submit blocks until it is closed
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		states:      make(map[string]JobState),
		logs:        make(map[string][]string),
		statusErrs:  make(map[string]error),
		results:     make(map[string]map[string]any),
		statusCalls: make(map[string]int),
	}
}

func (f *fakeClient) Submit(ctx context.Context, modelID string, input map[string]any) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	prompt, _ := input["prompt"].(string)
	f.submitted = append(f.submitted, prompt)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "req-" + prompt, nil
}

func (f *fakeClient) Status(ctx context.Context, modelID, requestID string) (*JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls[requestID]++
	if err := f.statusErrs[requestID]; err != nil {
		return nil, err
	}
	state, ok := f.states[requestID]
	if !ok {
		state = StateInProgress
	}
	return &JobStatus{State: state, Logs: f.logs[requestID]}, nil
}

func (f *fakeClient) Result(ctx context.Context, modelID, requestID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.results[requestID]; ok {
		return res, nil
	}
	return map[string]any{
		"images": []any{
			map[string]any{"url": "https://cdn.example.com/" + requestID + ".jpg", "width": 1024.0, "height": 768.0},
		},
		"seed": 42.0,
	}, nil
}

func (f *fakeClient) Cancel(ctx context.Context, modelID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, requestID)
	return nil
}

func (f *fakeClient) setState(requestID string, state JobState, logs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[requestID] = state
	f.logs[requestID] = logs
}

func (f *fakeClient) failStatus(requestID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErrs[requestID] = err
}

func (f *fakeClient) setResult(requestID string, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[requestID] = data
}

func (f *fakeClient) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func (f *fakeClient) polls(requestID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[requestID]
}

func (f *fakeClient) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

var errNetwork = errors.New("network unreachable")
