package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"chat-gateway/internal/models"
	"chat-gateway/internal/relay"
	"chat-gateway/internal/sanitize"
	"chat-gateway/internal/translator"
)

var (
	doneEvent = []byte("[DONE]")

	errStreamingOnly = errors.New("event is only valid on streaming calls")
)

// sseWriter renders relay events as server-sent events. Headers are sent
// with the first event so an error before any chunk keeps its status.
type sseWriter struct {
	res     *echo.Response
	id      string
	model   string
	created int64
}

func newSSEWriter(res *echo.Response, id, model string, created int64) *sseWriter {
	return &sseWriter{res: res, id: id, model: model, created: created}
}

func (w *sseWriter) start(status int) {
	if w.res.Committed {
		return
	}
	header := w.res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.res.WriteHeader(status)
}

func (w *sseWriter) event(data []byte) error {
	if _, err := fmt.Fprintf(w.res, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	w.res.Flush()
	return nil
}

func (w *sseWriter) WriteChunk(chunk models.NormalizedChunk) error {
	data, err := translator.EncodeChunk(w.id, w.model, w.created, chunk)
	if err != nil {
		return err
	}
	w.start(http.StatusOK)
	return w.event(data)
}

func (w *sseWriter) WriteResponse(*models.UnifiedChatResponse) error {
	return errStreamingOnly
}

func (w *sseWriter) WriteError(rerr *relay.Error) error {
	data, err := json.Marshal(errorPayload(rerr.Message, string(rerr.Kind), errorCode(rerr), 0))
	if err != nil {
		return fmt.Errorf("marshal error event: %w", err)
	}
	w.start(rerr.Status)
	return w.event(data)
}

func (w *sseWriter) WriteDone() error {
	w.start(http.StatusOK)
	return w.event(doneEvent)
}

// jsonWriter renders the single response of a non-streaming call, reduced to
// the public completion shape.
type jsonWriter struct {
	c       echo.Context
	id      string
	model   string
	created int64
}

func newJSONWriter(c echo.Context, id, model string, created int64) *jsonWriter {
	return &jsonWriter{c: c, id: id, model: model, created: created}
}

func (w *jsonWriter) WriteChunk(models.NormalizedChunk) error {
	return errStreamingOnly
}

func (w *jsonWriter) WriteResponse(resp *models.UnifiedChatResponse) error {
	full, err := json.Marshal(translator.FromUnifiedChat(w.id, w.model, w.created, resp))
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	body, err := sanitize.Sanitize(full)
	if err != nil {
		return fmt.Errorf("sanitize response: %w", err)
	}
	return w.c.JSONBlob(http.StatusOK, body)
}

func (w *jsonWriter) WriteError(rerr *relay.Error) error {
	return w.c.JSON(rerr.Status, errorPayload(rerr.Message, string(rerr.Kind), errorCode(rerr), 0))
}

func (w *jsonWriter) WriteDone() error {
	return errStreamingOnly
}

func errorCode(rerr *relay.Error) string {
	if rerr.Kind == relay.KindUpstreamHTTP {
		return fmt.Sprintf("upstream_%d", rerr.Status)
	}
	return ""
}
