package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, 5*time.Second, zap.NewNop())
	event := Event{
		Kind:        "step_failed",
		Severity:    "error",
		ExecutionID: "exec-1",
		Message:     "boom",
		Timestamp:   time.Now(),
	}
	require.NoError(t, n.Notify(context.Background(), event))
	assert.Equal(t, "step_failed", received.Kind)
	assert.Equal(t, "exec-1", received.ExecutionID)
}

func TestWebhookNotifierSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, time.Second, zap.NewNop())
	assert.Error(t, n.Notify(context.Background(), Event{Kind: "alert"}))
}

type failingNotifier struct{}

func (failingNotifier) Notify(ctx context.Context, event Event) error {
	return errors.New("down")
}

func TestMultiSwallowsFailures(t *testing.T) {
	delivered := 0
	counting := notifierFunc(func(ctx context.Context, event Event) error {
		delivered++
		return nil
	})

	m := NewMulti(zap.NewNop(), failingNotifier{}, counting)
	assert.NoError(t, m.Notify(context.Background(), Event{Kind: "alert"}))
	assert.Equal(t, 1, delivered)
}

type notifierFunc func(ctx context.Context, event Event) error

func (f notifierFunc) Notify(ctx context.Context, event Event) error {
	return f(ctx, event)
}
