package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Usage is the record emitted once per finished call.
type Usage struct {
	SessionID  string        `json:"session_id"`
	CallerID   string        `json:"caller_id"`
	Mode       string        `json:"mode"`
	Outcome    string        `json:"outcome"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// UsageRecorder receives usage records.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u Usage) error
}

// LogRecorder writes usage records to the global logger.
type LogRecorder struct{}

func (LogRecorder) RecordUsage(_ context.Context, u Usage) error {
	log.Info().
		Str("session_id", u.SessionID).
		Str("caller_id", u.CallerID).
		Str("mode", u.Mode).
		Str("outcome", u.Outcome).
		Str("provider", u.Provider).
		Str("model", u.Model).
		Dur("duration", u.Duration).
		Msg("usage")
	return nil
}

// WebhookRecorder POSTs each record as JSON.
type WebhookRecorder struct {
	url    string
	client *http.Client
}

// NewWebhookRecorder constructs a WebhookRecorder.
func NewWebhookRecorder(url string, timeout time.Duration) *WebhookRecorder {
	return &WebhookRecorder{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookRecorder) RecordUsage(ctx context.Context, u Usage) error {
	u.DurationMS = u.Duration.Milliseconds()
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("construct usage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post usage: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post usage: status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a record out to every recorder and joins their errors.
type Multi []UsageRecorder

func (m Multi) RecordUsage(ctx context.Context, u Usage) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordUsage(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queue makes a recorder fire-and-forget: Enqueue never blocks and drops
// records when the buffer is full. Run drains the buffer into the sink.
type Queue struct {
	sink    UsageRecorder
	records chan Usage
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue constructs a Queue with the given buffer size.
func NewQueue(sink UsageRecorder, size int) *Queue {
	return &Queue{
		sink:    sink,
		records: make(chan Usage, max(size, 1)),
		done:    make(chan struct{}),
	}
}

// Enqueue schedules u for recording.
func (q *Queue) Enqueue(u Usage) {
	select {
	case q.records <- u:
	default:
		n := q.dropped.Add(1)
		log.Warn().Int64("dropped_total", n).Str("session_id", u.SessionID).Msg("usage queue full, record dropped")
	}
}

// Dropped reports how many records were discarded.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Run delivers queued records until ctx is cancelled, then drains what is
// already buffered using a detached context.
func (q *Queue) Run(ctx context.Context) error {
	defer q.closeOnce.Do(func() { close(q.done) })
	for {
		select {
		case u := <-q.records:
			q.deliver(ctx, u)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case u := <-q.records:
					q.deliver(drainCtx, u)
				default:
					return nil
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) deliver(ctx context.Context, u Usage) {
	if err := q.sink.RecordUsage(ctx, u); err != nil {
		log.Warn().Err(err).Str("session_id", u.SessionID).Msg("usage record failed")
	}
}
