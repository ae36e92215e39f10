package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/chatflow/pkg/channels/gochannel"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/otelhelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	results []models.TaskResult
}

func (r *recorder) Deliver(_ context.Context, result models.TaskResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, result)

	return nil
}

func (r *recorder) all() []models.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]models.TaskResult(nil), r.results...)
}

func fastConfig() WorkerConfig {
	return WorkerConfig{ID: "test", MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsedTime: time.Second}
}

func newTask(url string) models.Task {
	return models.Task{
		Key:     models.IdempotencyKey{SessionID: "s-1", NodeID: "hook", Revision: 4},
		FlowID:  "orders",
		Kind:    models.SideEffectWebhook,
		Request: models.CallRequest{URL: url, Method: http.MethodPost, Body: map[string]any{"id": 7}, Headers: map[string]string{"X-Token": "abc"}, Timeout: time.Second},
	}
}

func TestHTTPCaller_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.InDelta(t, 7.0, body["id"], 0.0001)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"order-1"}}`))
	}))
	defer server.Close()

	response, err := NewHTTPCaller(server.Client()).Call(context.Background(), newTask(server.URL).Request)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, map[string]any{"data": map[string]any{"id": "order-1"}}, response.Body)
}

func TestHTTPCaller_StatusAndTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no such order"))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer server.Close()

	caller := NewHTTPCaller(nil)

	_, err := caller.Call(context.Background(), models.CallRequest{URL: server.URL + "/missing", Method: http.MethodGet})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "no such order", statusErr.Body)
	assert.False(t, IsRetryable(err))

	_, err = caller.Call(context.Background(), models.CallRequest{URL: server.URL + "/slow", Method: http.MethodGet, Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	deliveries := &recorder{}
	worker := NewWorker(log.Discard(), nil, NewHTTPCaller(server.Client()), deliveries, otelhelper.NoopTracer(), fastConfig())

	require.NoError(t, worker.Handle(context.Background(), newTask(server.URL)))

	results := deliveries.all()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, map[string]any{"ok": true}, results[0].Body)
	assert.Equal(t, int64(4), results[0].Key.Revision)
}

func TestWorker_DeliversFinalFailure(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantAttempts int
	}{
		{"client error is not retried", http.StatusBadRequest, 1},
		{"server error exhausts retries", http.StatusBadGateway, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			deliveries := &recorder{}
			worker := NewWorker(log.Discard(), nil, NewHTTPCaller(server.Client()), deliveries, otelhelper.NoopTracer(), fastConfig())

			require.NoError(t, worker.Handle(context.Background(), newTask(server.URL)))

			results := deliveries.all()
			require.Len(t, results, 1)
			assert.False(t, results[0].Success)
			assert.Equal(t, tt.status, results[0].StatusCode)
			assert.Equal(t, tt.wantAttempts, results[0].Attempts)
			assert.NotEmpty(t, results[0].Error)
		})
	}
}

func TestPublisher_TaskRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"sent"}`))
	}))
	defer server.Close()

	pub, sub := gochannel.CreateTestChannel(watermill.NewSlogLogger(log.Discard()))
	publisher := NewPublisher(pub)

	worker := NewWorker(log.Discard(), sub, NewHTTPCaller(server.Client()), publisher, otelhelper.NoopTracer(), fastConfig())
	require.NoError(t, worker.Start(ctx))

	deliveries := &recorder{}
	require.NoError(t, ConsumeResults(ctx, log.Discard(), sub, deliveries))

	require.NoError(t, publisher.Dispatch(ctx, newTask(server.URL)))

	require.Eventually(t, func() bool { return len(deliveries.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	result := deliveries.all()[0]
	assert.True(t, result.Success)
	assert.Equal(t, map[string]any{"status": "sent"}, result.Body)
	assert.Equal(t, "s-1", result.Key.SessionID)
}
