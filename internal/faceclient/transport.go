package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"faceattend/internal/metrics"
	"faceattend/internal/model"
	"faceattend/internal/retry"
)

type apiRequest struct {
	op          string
	method      string
	url         string
	contentType string
	body        []byte
}

// classifyFunc turns a provider reply into a typed error, or nil for success.
type classifyFunc func(status int, header http.Header, body []byte) error

// transport executes provider calls with a per-attempt timeout and rate limit retries.
type transport struct {
	kind     model.ProviderKind
	client   *http.Client
	timeout  time.Duration
	policy   retry.Policy
	auth     func(*http.Request)
	classify classifyFunc
}

func newTransport(kind model.ProviderKind, opts Options, auth func(*http.Request), classify classifyFunc) *transport {
	client := opts.HTTP
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	policy := opts.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.Default(nil)
		policy.Sleep = opts.Retry.Sleep
	}
	policy.IsRetryable = IsRateLimited
	return &transport{kind: kind, client: client, timeout: timeout, policy: policy, auth: auth, classify: classify}
}

func (t *transport) call(ctx context.Context, req apiRequest, out any) error {
	policy := t.policy
	next := policy.OnRetry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.ProviderRetries.WithLabelValues(t.kind.String(), req.op).Inc()
		log.WithFields(log.Fields{
			"provider": t.kind.String(),
			"op":       req.op,
			"attempt":  attempt,
			"delay":    delay,
		}).Warn("provider rate limited, backing off")
		if next != nil {
			next(attempt, delay, err)
		}
	}

	err := policy.Do(ctx, func(ctx context.Context) error { return t.once(ctx, req, out) })

	outcome := "ok"
	switch {
	case IsRateLimited(err):
		outcome = "rate_limited"
	case err != nil:
		outcome = "error"
	}
	metrics.ProviderRequests.WithLabelValues(t.kind.String(), req.op, outcome).Inc()
	return err
}

func (t *transport) once(ctx context.Context, req apiRequest, out any) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bytes.NewReader(req.body))
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", t.kind, req.op, err)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if t.auth != nil {
		t.auth(httpReq)
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	metrics.ProviderLatency.WithLabelValues(t.kind.String(), req.op).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s %s request failed: %w", t.kind, req.op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", t.kind, req.op, err)
	}
	if err := t.classify(resp.StatusCode, resp.Header, body); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, t.kind, req.op, err)
	}
	return nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func roundConfidence(v float64) float64 { return math.Round(v) }

// isAPIError reports whether err is a provider error with one of the given codes.
func isAPIError(err error, codes ...string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}

func apiStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
