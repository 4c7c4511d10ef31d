package policy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestStaticChecker(t *testing.T) {
	c, err := NewStaticChecker(map[string]string{"bob": "quota_exceeded", "eve": "terms_required"})
	require.NoError(t, err)

	ctx := context.Background()
	for caller, want := range map[string]Decision{"bob": QuotaExceeded, "eve": TermsRequired, "alice": Allowed} {
		got, err := c.CheckAccess(ctx, caller)
		require.NoError(t, err)
		assert.Equal(t, want, got, caller)
	}

	_, err = NewStaticChecker(map[string]string{"x": "banned"})
	assert.Error(t, err)
}

func TestHTTPChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch gjson.GetBytes(body, "caller_id").String() {
		case "alice":
			_, _ = io.WriteString(w, `{"decision":"allowed"}`)
		case "bob":
			_, _ = io.WriteString(w, `{"decision":"quota_exceeded","remaining":0}`)
		case "garbled":
			_, _ = io.WriteString(w, `{"decision":"maybe"}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPChecker(srv.URL, time.Second)
	ctx := context.Background()

	d, err := c.CheckAccess(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Allowed, d)

	d, err = c.CheckAccess(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, QuotaExceeded, d)

	_, err = c.CheckAccess(ctx, "garbled")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.CheckAccess(ctx, "unknown")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPChecker_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPChecker(url, time.Second).CheckAccess(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWebhookRecorder(t *testing.T) {
	got := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- body
	}))
	defer srv.Close()

	rec := NewWebhookRecorder(srv.URL, time.Second)
	err := rec.RecordUsage(context.Background(), Usage{
		SessionID: "s1", CallerID: "alice", Mode: "vision", Outcome: "completed",
		Provider: "gemini", Model: "gemini-2.0-flash", Duration: 1500 * time.Millisecond,
	})
	require.NoError(t, err)

	body := <-got
	assert.JSONEq(t, `{"session_id":"s1","caller_id":"alice","mode":"vision","outcome":"completed","provider":"gemini","model":"gemini-2.0-flash","duration_ms":1500}`, string(body))
}

type collector struct {
	mu      sync.Mutex
	records []Usage
}

func (c *collector) RecordUsage(_ context.Context, u Usage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, u)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func TestQueue_DeliversAndDrains(t *testing.T) {
	sink := &collector{}
	q := NewQueue(sink, 8)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Run(ctx) }()

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(Usage{SessionID: id})
	}
	assert.Eventually(t, func() bool { return sink.len() == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-q.Done()
	assert.Zero(t, q.Dropped())
}

func TestQueue_DropsWhenFull(t *testing.T) {
	sink := &collector{}
	q := NewQueue(sink, 2)

	// No Run loop yet: the buffer fills and the rest are dropped.
	for i := 0; i < 5; i++ {
		q.Enqueue(Usage{})
	}
	assert.Equal(t, int64(3), q.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))
	assert.Equal(t, 2, sink.len())
}

type failing struct{}

func (failing) RecordUsage(context.Context, Usage) error { return errors.New("down") }

func TestMulti(t *testing.T) {
	sink := &collector{}
	err := Multi{LogRecorder{}, failing{}, sink}.RecordUsage(context.Background(), Usage{SessionID: "x"})
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, sink.len())
}
