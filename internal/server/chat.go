package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"chat-gateway/internal/policy"
	"chat-gateway/internal/ratelimit"
	"chat-gateway/internal/relay"
	"chat-gateway/internal/router"
	"chat-gateway/internal/translator"
)

// handleChatCompletions runs the admission pipeline: access policy, rate
// limits, routing, then the relay. Nothing is dispatched upstream until all
// three checks pass.
func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req, s.cfg.MaxBodyBytes); err != nil {
		return err
	}

	ctx := c.Request().Context()
	callerID := s.callerID(c)

	if err := s.checkAccess(c, callerID); err != nil {
		return err
	}
	if err := s.admit(callerID); err != nil {
		return err
	}

	unified := req.ToUnified()
	route, err := s.deps.Router.Resolve(unified)
	if err != nil {
		if errors.Is(err, router.ErrUnsupportedModel) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: err.Error(),
				Type:    "invalid_request_error",
				Code:    "unsupported_model",
			}
		}
		return err
	}

	id := "chatcmpl-" + uuid.NewString()
	created := s.now().Unix()
	model := route.Target.NativeModelID

	var w relay.Writer
	if unified.Stream {
		w = newSSEWriter(c.Response(), id, model, created)
	} else {
		w = newJSONWriter(c, id, model, created)
	}

	s.deps.Relay.Run(ctx, relay.Call{
		CallerID: callerID,
		Request:  unified,
		Route:    route,
	}, w)
	return nil
}

func (s *Server) checkAccess(c echo.Context, callerID string) error {
	decision, err := s.deps.Access.CheckAccess(c.Request().Context(), callerID)
	if err != nil {
		log.Warn().Err(err).Str("caller_id", callerID).Msg("access check failed")
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: "access policy is unavailable, retry later",
			Type:    "policy_unavailable",
		}
	}

	switch decision {
	case policy.Allowed:
		return nil
	case policy.QuotaExceeded:
		return requestError{
			Status:  http.StatusForbidden,
			Message: "usage quota exceeded",
			Type:    "access_denied",
			Code:    string(decision),
		}
	default:
		return requestError{
			Status:  http.StatusForbidden,
			Message: "terms of service must be accepted",
			Type:    "access_denied",
			Code:    string(decision),
		}
	}
}

func (s *Server) admit(callerID string) error {
	d := s.deps.Limiter.Admit(callerID)
	if d.Allowed {
		return nil
	}

	retry := d.RetryAfterSeconds()
	errType := "rate_limit_exceeded"
	msg := fmt.Sprintf("rate limit exceeded, retry in %d seconds", retry)
	if d.Scope == ratelimit.ScopeGlobal {
		errType = "global_rate_limit_exceeded"
		msg = fmt.Sprintf("gateway is at capacity, retry in %d seconds", retry)
	}
	log.Info().Str("caller_id", callerID).Str("scope", string(d.Scope)).Int("retry_after", retry).Msg("rate limited")

	return requestError{
		Status:     http.StatusTooManyRequests,
		Message:    msg,
		Type:       errType,
		RetryAfter: retry,
	}
}

// RecordUsage returns a relay finish hook that queues one usage record per
// call.
func RecordUsage(q *policy.Queue) func(relay.Result) {
	return func(res relay.Result) {
		q.Enqueue(policy.Usage{
			SessionID: res.SessionID,
			CallerID:  res.CallerID,
			Mode:      string(res.Mode),
			Outcome:   string(res.Outcome),
			Provider:  string(res.Provider),
			Model:     res.Model,
			Duration:  res.Duration,
		})
	}
}
