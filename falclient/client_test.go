package falclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"genqueue/config"
	"genqueue/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		FalKey:          "secret-key",
		FalBaseURL:      srv.URL + "/",
		RequestTimeout:  5 * time.Second,
		MaxResponseSize: 1024,
	}
	c, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(&config.Config{FalBaseURL: "not a url", MaxResponseSize: 1}, nil)
	assert.Error(t, err)

	_, err = New(&config.Config{FalBaseURL: "https://queue.fal.run", MaxResponseSize: 0}, nil)
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	e, err := parseEndpoint("fal-ai/flux-pro/v1.1-ultra")
	require.NoError(t, err)
	assert.Equal(t, endpoint{owner: "fal-ai", alias: "flux-pro", path: "v1.1-ultra"}, e)

	e, err = parseEndpoint("fal-ai/wan-t2v")
	require.NoError(t, err)
	assert.Equal(t, endpoint{owner: "fal-ai", alias: "wan-t2v"}, e)

	_, err = parseEndpoint("flux")
	assert.Error(t, err)
}

func TestClient_Submit(t *testing.T) {
	t.Run("posts the input to the full model path", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/fal-ai/wan/v2.1/1.3b/text-to-video", r.URL.Path)
			assert.Equal(t, "Key secret-key", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var input map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&input))
			assert.Equal(t, "a wave", input["prompt"])
			assert.Equal(t, "720p", input["resolution"])

			w.Write([]byte(`{"request_id":"req-1","status_url":"x"}`))
		})

		id, err := c.Submit(context.Background(), "fal-ai/wan/v2.1/1.3b/text-to-video",
			map[string]any{"prompt": "a wave", "resolution": "720p"})
		require.NoError(t, err)
		assert.Equal(t, "req-1", id)
	})

	t.Run("validation error from the backend", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"detail":"prompt is required"}`))
		})

		_, err := c.Submit(context.Background(), "fal-ai/flux-pro", map[string]any{})
		require.Error(t, err)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
		assert.Contains(t, err.Error(), "prompt is required")
	})

	t.Run("missing request id", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		})

		_, err := c.Submit(context.Background(), "fal-ai/flux-pro", map[string]any{"prompt": "x"})
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
	})

	t.Run("invalid model id never reaches the network", func(t *testing.T) {
		called := false
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

		_, err := c.Submit(context.Background(), "flux", map[string]any{"prompt": "x"})
		assert.Error(t, err)
		assert.False(t, called)
	})
}

func TestClient_Status(t *testing.T) {
	t.Run("maps states and logs", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/fal-ai/flux-pro/requests/req-1/status", r.URL.Path)
			assert.Equal(t, "1", r.URL.Query().Get("logs"))
			w.Write([]byte(`{"status":"IN_PROGRESS","logs":[{"message":"step 1"},{"message":"step 2","level":"INFO"}]}`))
		})

		st, err := c.Status(context.Background(), "fal-ai/flux-pro/v1.1-ultra", "req-1")
		require.NoError(t, err)
		assert.Equal(t, task.StateInProgress, st.State)
		assert.Equal(t, []string{"step 1", "step 2"}, st.Logs)
	})

	t.Run("queue position", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"IN_QUEUE","queue_position":3}`))
		})

		st, err := c.Status(context.Background(), "fal-ai/flux-pro", "req-1")
		require.NoError(t, err)
		assert.Equal(t, task.StateInQueue, st.State)
		require.NotNil(t, st.QueuePosition)
		assert.Equal(t, 3, *st.QueuePosition)
	})

	t.Run("error state is a failure", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"ERROR"}`))
		})

		st, err := c.Status(context.Background(), "fal-ai/flux-pro", "req-1")
		require.NoError(t, err)
		assert.Equal(t, task.StateFailed, st.State)
	})

	t.Run("server error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := c.Status(context.Background(), "fal-ai/flux-pro", "req-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fal api returned 502")
	})

	t.Run("body over the size limit", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status":"IN_PROGRESS","logs":[{"message":"` + strings.Repeat("x", 2048) + `"}]}`))
		})

		_, err := c.Status(context.Background(), "fal-ai/flux-pro", "req-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds limit")
	})
}

func TestClient_Result(t *testing.T) {
	t.Run("bare payload", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/fal-ai/flux-pro/requests/req-1", r.URL.Path)
			w.Write([]byte(`{"images":[{"url":"https://x/1.jpg"}],"seed":5}`))
		})

		data, err := c.Result(context.Background(), "fal-ai/flux-pro/v1.1", "req-1")
		require.NoError(t, err)
		assert.Contains(t, data, "images")
		assert.Equal(t, 5.0, data["seed"])
	})

	t.Run("data envelope", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data":{"video":{"url":"https://x/v.mp4"}},"requestId":"req-1"}`))
		})

		data, err := c.Result(context.Background(), "fal-ai/wan-t2v", "req-1")
		require.NoError(t, err)
		assert.Contains(t, data, "video")
	})

	t.Run("not json", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>oops</html>`))
		})

		_, err := c.Result(context.Background(), "fal-ai/wan-t2v", "req-1")
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
	})
}

func TestClient_Cancel(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "/fal-ai/flux-pro/requests/req-1/cancel", r.URL.Path)
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"status":"CANCELLATION_REQUESTED"}`))
		})

		assert.NoError(t, c.Cancel(context.Background(), "fal-ai/flux-pro/v1.1", "req-1"))
	})

	t.Run("already completed", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"status":"ALREADY_COMPLETED"}`))
		})

		err := c.Cancel(context.Background(), "fal-ai/flux-pro", "req-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ALREADY_COMPLETED")
	})
}

func TestClient_WorksWithManager(t *testing.T) {
	var polls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Write([]byte(`{"request_id":"req-9"}`))
		case strings.HasSuffix(r.URL.Path, "/status"):
			if polls.Add(1) < 2 {
				w.Write([]byte(`{"status":"IN_PROGRESS","logs":[{"message":"working"}]}`))
				return
			}
			w.Write([]byte(`{"status":"COMPLETED"}`))
		default:
			w.Write([]byte(`{"images":[{"url":"https://x/9.jpg","width":64,"height":64}]}`))
		}
	})

	mgr, err := task.NewManager(&config.Config{MaxConcurrency: 1, PollInterval: 5 * time.Millisecond}, c,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer mgr.Stop()

	created := mgr.AddTask(task.TypeImage, "a tiny square", "fal-ai/flux-pro/v1.1", nil)
	require.Eventually(t, func() bool {
		got, _ := mgr.GetTask(created.ID)
		return got.Status == task.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := mgr.GetTask(created.ID)
	assert.Equal(t, "req-9", got.RequestID)
	assert.Equal(t, "https://x/9.jpg", got.Result.Image.Images[0].URL)
	assert.Equal(t, "a tiny square", got.Result.Prompt())
}
