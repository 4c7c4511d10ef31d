package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"chat-gateway/internal/decoder"
	"chat-gateway/internal/models"
	"chat-gateway/internal/router"
)

const (
	// DefaultMaxErrorBytes caps the accumulated upstream error body.
	DefaultMaxErrorBytes = 64 * 1024
	// DefaultMaxResponseBytes caps a non-streaming upstream body.
	DefaultMaxResponseBytes = 32 << 20

	readChunkSize = 32 * 1024
)

// Writer receives the normalized events of one call, in order. WriteChunk
// and WriteDone are used for streaming calls, WriteResponse for non-streaming
// ones; WriteError is used by both.
type Writer interface {
	WriteChunk(chunk models.NormalizedChunk) error
	WriteResponse(resp *models.UnifiedChatResponse) error
	WriteError(err *Error) error
	WriteDone() error
}

// Timeouts are the idle windows per call mode.
type Timeouts struct {
	Chat   time.Duration
	Vision time.Duration
}

func (t Timeouts) forMode(mode models.Mode) time.Duration {
	if mode == models.ModeChat {
		return t.Chat
	}
	return t.Vision
}

// Result describes a finished call.
type Result struct {
	SessionID string
	CallerID  string
	Provider  models.ProviderID
	Model     string
	Mode      models.Mode
	State     State
	Outcome   Outcome
	Chunks    int
	Err       *Error
	Duration  time.Duration
}

// Options configures a Relay.
type Options struct {
	Timeouts         Timeouts
	MaxErrorBytes    int
	MaxResponseBytes int64
	// OnFinish runs exactly once per call after the terminal event.
	OnFinish func(Result)
	Now      func() time.Time
}

// Relay runs calls. It holds no per-call state and is safe for concurrent use.
type Relay struct {
	opts Options
}

// New constructs a Relay.
func New(opts Options) *Relay {
	if opts.MaxErrorBytes <= 0 {
		opts.MaxErrorBytes = DefaultMaxErrorBytes
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{opts: opts}
}

// Call is one admitted and routed request.
type Call struct {
	CallerID string
	Request  models.UnifiedChatRequest
	Route    router.Route
}

type readEvent struct {
	data []byte
	err  error
}

// run is the per-call state, confined to the Run goroutine.
type run struct {
	relay   *Relay
	call    Call
	w       Writer
	session *Session
	stream  bool
	chunks  int
	outcome Outcome
	err     *Error
	body    bytes.Buffer
}

// Run executes call and writes its events to w. ctx is the inbound request
// context; its cancellation is treated as a client disconnect.
func (r *Relay) Run(ctx context.Context, call Call, w Writer) Result {
	start := r.opts.Now()
	rn := &run{
		relay:   r,
		call:    call,
		w:       w,
		session: newSession(call.Route.Target, r.opts.MaxErrorBytes, start),
		stream:  call.Request.Stream,
	}
	rn.execute(ctx)

	res := Result{
		SessionID: rn.session.ID,
		CallerID:  call.CallerID,
		Provider:  call.Route.Target.ProviderID,
		Model:     call.Route.Target.NativeModelID,
		Mode:      call.Route.Mode,
		State:     rn.session.State,
		Outcome:   rn.outcome,
		Chunks:    rn.chunks,
		Err:       rn.err,
		Duration:  r.opts.Now().Sub(start),
	}

	evt := log.Info()
	if rn.err != nil {
		evt = log.Warn().Str("error_kind", string(rn.err.Kind)).Str("error", rn.err.Message)
	}
	evt.Str("session_id", res.SessionID).
		Str("caller_id", res.CallerID).
		Str("provider", string(res.Provider)).
		Str("model", res.Model).
		Str("mode", string(res.Mode)).
		Str("outcome", string(res.Outcome)).
		Int("chunks", res.Chunks).
		Dur("duration", res.Duration).
		Msg("relay finished")

	if r.opts.OnFinish != nil {
		r.opts.OnFinish(res)
	}
	return res
}

func (rn *run) execute(ctx context.Context) {
	route := rn.call.Route
	idle := rn.relay.opts.Timeouts.forMode(route.Mode)

	native, err := route.Provider.Codec().ToNative(rn.call.Request, route.Target)
	if err != nil {
		rn.fail(newError(KindInvalidRequest, http.StatusBadRequest, "%v", err))
		return
	}

	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The idle window also covers the wait for response headers.
	var connectTimedOut atomic.Bool
	connectTimer := time.AfterFunc(idle, func() {
		connectTimedOut.Store(true)
		cancel()
	})
	resp, err := route.Provider.Open(upCtx, route.Target, native, rn.stream)
	connectTimer.Stop()
	if err != nil {
		switch {
		case connectTimedOut.Load():
			rn.timeout(idle)
		case ctx.Err() != nil:
			rn.disconnected()
		default:
			rn.fail(newError(KindConnectFailed, http.StatusBadGateway, "%v", err))
		}
		return
	}
	if connectTimedOut.Load() {
		resp.Body.Close()
		rn.timeout(idle)
		return
	}

	events := make(chan readEvent)
	var readerDone sync.WaitGroup
	readerDone.Add(1)
	go func() {
		defer readerDone.Done()
		readBody(upCtx, resp.Body, events)
	}()
	defer func() {
		cancel()
		resp.Body.Close()
		readerDone.Wait()
	}()

	rn.session.Status = resp.StatusCode
	rn.session.transition(StateHeadersReceived)
	success := resp.StatusCode >= 200 && resp.StatusCode <= 299
	if !success {
		rn.session.transition(StateErrorAccumulating)
	}

	var dec decoder.Decoder
	if rn.stream && success {
		dec = decoder.NewStream(route.Provider.Codec().Family(), route.Provider.ArrayStrategy())
	}

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			rn.disconnected()
			return

		case <-timer.C:
			if ctx.Err() != nil {
				rn.disconnected()
				return
			}
			rn.timeout(idle)
			return

		case ev := <-events:
			if ev.err != nil {
				rn.finish(ctx, ev.err, success, dec)
				return
			}

			timer.Reset(idle)
			rn.session.LastActivity = rn.relay.opts.Now()

			if !success {
				rn.session.accumulate(ev.data)
				continue
			}
			rn.session.transition(StateRelaying)

			if !rn.stream {
				if int64(rn.body.Len()+len(ev.data)) > rn.relay.opts.MaxResponseBytes {
					rn.fail(newError(KindResponseInvalid, http.StatusBadGateway, "upstream response exceeds %d bytes", rn.relay.opts.MaxResponseBytes))
					return
				}
				rn.body.Write(ev.data)
				continue
			}

			if !rn.relayObjects(dec.Feed(ev.data)) {
				return
			}
			if dec.Done() {
				rn.complete()
				return
			}
		}
	}
}

// finish handles upstream end-of-stream or a read error.
func (rn *run) finish(ctx context.Context, readErr error, success bool, dec decoder.Decoder) {
	eof := errors.Is(readErr, io.EOF)
	if !eof && ctx.Err() != nil {
		rn.disconnected()
		return
	}

	if !success {
		status := rn.session.Status
		msg := SummarizeError(status, rn.session.ErrorBuffer)
		if !eof {
			log.Debug().Err(readErr).Str("session_id", rn.session.ID).Msg("upstream error body read failed")
		}
		rn.fail(&Error{Kind: KindUpstreamHTTP, Status: upstreamStatus(status), Message: msg})
		return
	}

	if !eof {
		rn.fail(newError(KindTruncated, http.StatusBadGateway, "upstream stream interrupted: %v", readErr))
		return
	}

	if !rn.stream {
		rn.respond()
		return
	}

	if !rn.relayObjects(dec.Flush()) {
		return
	}
	if !dec.Done() {
		rn.fail(newError(KindTruncated, http.StatusBadGateway, "upstream stream ended before completion"))
		return
	}
	rn.complete()
}

// relayObjects translates and writes decoded objects in order. It returns
// false once the call has reached a terminal state.
func (rn *run) relayObjects(objs [][]byte) bool {
	codec := rn.call.Route.Provider.Codec()
	for _, obj := range objs {
		if upErr, ok := inStreamError(obj); ok {
			rn.fail(upErr)
			return false
		}
		chunk, ok := codec.FromNativeChunk(obj)
		if !ok {
			continue
		}
		if err := rn.w.WriteChunk(chunk); err != nil {
			log.Debug().Err(err).Str("session_id", rn.session.ID).Msg("client write failed")
			rn.disconnected()
			return false
		}
		rn.chunks++
	}
	return true
}

func (rn *run) respond() {
	body := rn.body.Bytes()
	if upErr, ok := inStreamError(body); ok {
		rn.fail(upErr)
		return
	}
	resp, err := rn.call.Route.Provider.Codec().FromNativeResponse(body)
	if err != nil {
		rn.fail(newError(KindResponseInvalid, http.StatusBadGateway, "%v", err))
		return
	}
	if err := rn.w.WriteResponse(resp); err != nil {
		rn.disconnected()
		return
	}
	rn.chunks = 1
	rn.session.transition(StateCompleted)
	rn.outcome = OutcomeCompleted
}

func (rn *run) complete() {
	if err := rn.w.WriteDone(); err != nil {
		rn.disconnected()
		return
	}
	rn.session.transition(StateCompleted)
	rn.outcome = OutcomeCompleted
}

func (rn *run) fail(err *Error) {
	rn.err = err
	rn.session.transition(StateFailed)
	rn.outcome = OutcomeFailed
	rn.terminate(err)
}

func (rn *run) timeout(idle time.Duration) {
	rn.err = newError(KindIdleTimeout, http.StatusGatewayTimeout, "no upstream activity for %s", idle)
	rn.session.transition(StateTimedOut)
	rn.outcome = OutcomeTimedOut
	rn.terminate(rn.err)
}

// terminate emits the single error event, then the terminator for streams.
func (rn *run) terminate(err *Error) {
	if werr := rn.w.WriteError(err); werr != nil {
		log.Debug().Err(werr).Str("session_id", rn.session.ID).Msg("client write failed")
		return
	}
	if rn.stream {
		_ = rn.w.WriteDone()
	}
}

func (rn *run) disconnected() {
	rn.session.transition(StateCompleted)
	rn.outcome = OutcomeClientDisconnected
}

// readBody forwards body fragments until a read error or ctx cancellation.
// Each fragment is a fresh slice owned by the receiver.
func readBody(ctx context.Context, body io.Reader, events chan<- readEvent) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			select {
			case events <- readEvent{data: bytes.Clone(buf[:n])}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case events <- readEvent{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}
