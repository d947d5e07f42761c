package streamer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sage-x-project/llm-router/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
}

func TestClientStreamYieldsTokensInOrder(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"he"},"finish_reason":null}]}`,
		`data: {"choices":[{"delta":{"content":"llo"},"finish_reason":null}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	c, err := New(Config{
		Transport:      TransportHTTP,
		Endpoints:      []string{srv.URL},
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
		RequestBudget:  time.Second,
	}, nil, nil)
	require.NoError(t, err)

	var got []string
	err = c.Stream(context.Background(), envelope.DecryptedChatPayload{
		Messages: []envelope.ChatMessage{{Role: "user", Content: "hi"}},
	}, "req-1", func(tok string) error {
		got = append(got, tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"he", "llo"}, got)
}

func TestClientStreamStopsOnFinishReason(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"he"},"finish_reason":null}]}`,
		`data: {"choices":[{"delta":{"content":"llo"},"finish_reason":"stop"}]}`,
		`data: {"choices":[{"delta":{"content":"never"},"finish_reason":null}]}`,
	})
	defer srv.Close()

	c, err := New(Config{
		Transport:      TransportHTTP,
		Endpoints:      []string{srv.URL},
		ConnectTimeout: time.Second,
		RequestBudget:  time.Second,
	}, nil, nil)
	require.NoError(t, err)

	var got []string
	err = c.Stream(context.Background(), envelope.DecryptedChatPayload{
		Messages: []envelope.ChatMessage{{Role: "user", Content: "hi"}},
	}, "req-2", func(tok string) error {
		got = append(got, tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"he"}, got)
}

func TestClientStreamBudgetExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"he"},"finish_reason":null}]}` + "\n"))
		flusher.Flush()
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New(Config{
		Transport:      TransportHTTP,
		Endpoints:      []string{srv.URL},
		ConnectTimeout: time.Second,
		RequestBudget:  20 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)

	err = c.Stream(context.Background(), envelope.DecryptedChatPayload{
		Messages: []envelope.ChatMessage{{Role: "user", Content: "hi"}},
	}, "req-budget", func(tok string) error { return nil })
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestClientStreamUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{
		Transport:      TransportHTTP,
		Endpoints:      []string{srv.URL},
		ConnectTimeout: time.Second,
		RequestBudget:  time.Second,
	}, nil, nil)
	require.NoError(t, err)

	err = c.Stream(context.Background(), envelope.DecryptedChatPayload{
		Messages: []envelope.ChatMessage{{Role: "user", Content: "hi"}},
	}, "req-err", func(tok string) error { return nil })
	assert.ErrorIs(t, err, ErrUpstreamFailed)
}

func TestNewRejectsMissingUnixSocket(t *testing.T) {
	_, err := New(Config{Transport: TransportUnix, SocketPath: "/nonexistent.sock"}, nil, nil)
	assert.Error(t, err)
}

func TestClientSnapshotTracksLatency(t *testing.T) {
	srv := sseServer(t, []string{`data: [DONE]`})
	defer srv.Close()

	c, err := New(Config{
		Transport:      TransportHTTP,
		Endpoints:      []string{srv.URL},
		ConnectTimeout: time.Second,
		RequestBudget:  time.Second,
	}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Stream(context.Background(), envelope.DecryptedChatPayload{
		Messages: []envelope.ChatMessage{{Role: "user", Content: "hi"}},
	}, "req-snap", func(string) error { return nil }))

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.TotalStarted)
	assert.Equal(t, 0, snap.ActiveStreams)
	assert.Len(t, c.stats.latencyMs, 1)
}
