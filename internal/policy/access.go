// Package policy holds the gateway's collaborator hooks: the access check
// made before dispatch and the usage record emitted after a call ends.
package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Decision is the outcome of an access check.
type Decision string

const (
	Allowed       Decision = "allowed"
	QuotaExceeded Decision = "quota_exceeded"
	TermsRequired Decision = "terms_required"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case Allowed, QuotaExceeded, TermsRequired:
		return d, nil
	default:
		return "", fmt.Errorf("unknown access decision %q", s)
	}
}

// ErrUnavailable indicates the access decision could not be obtained.
var ErrUnavailable = errors.New("access policy unavailable")

// AccessChecker decides whether a caller may dispatch a call.
type AccessChecker interface {
	CheckAccess(ctx context.Context, callerID string) (Decision, error)
}

// StaticChecker answers from a fixed table; unknown callers are allowed.
type StaticChecker struct {
	decisions map[string]Decision
}

// NewStaticChecker builds a StaticChecker from caller id → decision strings.
func NewStaticChecker(decisions map[string]string) (*StaticChecker, error) {
	table := make(map[string]Decision, len(decisions))
	for caller, raw := range decisions {
		d, err := ParseDecision(raw)
		if err != nil {
			return nil, fmt.Errorf("caller %q: %w", caller, err)
		}
		table[caller] = d
	}
	return &StaticChecker{decisions: table}, nil
}

func (c *StaticChecker) CheckAccess(_ context.Context, callerID string) (Decision, error) {
	if d, ok := c.decisions[callerID]; ok {
		return d, nil
	}
	return Allowed, nil
}

const maxPolicyResponseBytes = 16 * 1024

// HTTPChecker asks a remote policy service. It POSTs {"caller_id": ...} and
// expects {"decision": "allowed"|"quota_exceeded"|"terms_required"}. Any
// failure is reported as ErrUnavailable so callers fail closed.
type HTTPChecker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPChecker constructs an HTTPChecker with the given request timeout.
func NewHTTPChecker(endpoint string, timeout time.Duration) *HTTPChecker {
	return &HTTPChecker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPChecker) CheckAccess(ctx context.Context, callerID string) (Decision, error) {
	payload, err := sjson.SetBytes([]byte(`{}`), "caller_id", callerID)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: construct request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicyResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	d, err := ParseDecision(gjson.GetBytes(body, "decision").String())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return d, nil
}
