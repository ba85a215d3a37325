package audiapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultRetryDelay = 400 * time.Millisecond
	maxRetryAttempts  = 3
	maxBodyBytes      = 4 << 20

	userAgent  = "okhttp/3.7.0"
	appName    = "myAudi"
	appVersion = "3.14.0"
)

// vendor error codes that mean "slow down" even without a 429 status.
var throttleCodes = map[string]struct{}{
	"gw.error.quota":    {},
	"quota_exceeded":    {},
	"too_many_requests": {},
}

type transport struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	retryDelay time.Duration
	attempts   int
}

func newTransport(httpClient *http.Client, limiter *rate.Limiter, logger *slog.Logger) *transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &transport{
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
		retryDelay: defaultRetryDelay,
		attempts:   maxRetryAttempts,
	}
}

type request struct {
	method      string
	url         string
	bearer      string
	header      http.Header
	contentType string
	body        []byte
	// retry marks requests that are safe to resend after a transient failure.
	retry bool
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func formRequest(endpoint string, form url.Values) request {
	return request{
		method:      http.MethodPost,
		url:         endpoint,
		contentType: "application/x-www-form-urlencoded",
		body:        []byte(form.Encode()),
		retry:       true,
	}
}

func (t *transport) do(ctx context.Context, r request) (*response, error) {
	attempts := 1
	if r.retry {
		attempts = t.attempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := t.doOnce(ctx, r)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == attempts {
			break
		}
		t.logger.Debug("retrying vendor request", "endpoint", endpointName(r.url), "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctxError(endpointName(r.url), ctx.Err())
		case <-time.After(time.Duration(attempt) * t.retryDelay):
		}
	}

	var transient *TransientNetworkError
	if errors.As(lastErr, &transient) {
		transient.Attempts = attempts
	}
	return nil, lastErr
}

func (t *transport) doOnce(ctx context.Context, r request) (*response, error) {
	endpoint := endpointName(r.url)
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, ctxError(endpoint, err)
		}
	}

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-App-Name", appName)
	req.Header.Set("X-App-Version", appVersion)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}
	for key, values := range r.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, endpoint, err)
	}

	out := &response{status: resp.StatusCode, header: resp.Header, body: payload}
	if err := classifyStatus(endpoint, out); err != nil {
		return nil, err
	}
	return out, nil
}

func classifyTransportError(ctx context.Context, endpoint string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxError(endpoint, ctxErr)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &TimeoutError{Op: endpoint, Err: err}
	}
	return &TransientNetworkError{Endpoint: endpoint, Err: err}
}

func ctxError(endpoint string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: endpoint, Err: err}
	}
	return err
}

func classifyStatus(endpoint string, resp *response) error {
	status := resp.status
	if status >= 200 && status < 300 {
		return nil
	}
	detail := vendorErrorDetail(resp.body)

	switch {
	case status == http.StatusTooManyRequests || isThrottleCode(detail):
		return &ThrottledError{Endpoint: endpoint, RetryAfter: parseRetryAfter(resp.header.Get("Retry-After"), time.Now())}
	case status == http.StatusUnauthorized:
		return &AuthError{Endpoint: endpoint, StatusCode: status, Detail: detail}
	case status == http.StatusBadRequest && strings.Contains(detail, "invalid_grant"):
		return &AuthError{Endpoint: endpoint, StatusCode: status, Detail: detail}
	case status == http.StatusForbidden || status == http.StatusNotFound:
		return &PermissionError{Endpoint: endpoint, StatusCode: status, Detail: detail}
	case status >= 500:
		return &TransientNetworkError{Endpoint: endpoint, StatusCode: status, Attempts: 1}
	default:
		return &APIError{Endpoint: endpoint, StatusCode: status, Detail: detail}
	}
}

// vendorErrorDetail extracts an error code from the shapes the vendor uses:
// {"error":"invalid_grant"}, {"error":{"errorCode":"..."}}.
func vendorErrorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Error            json.RawMessage `json:"error"`
		ErrorDescription string          `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Error) == 0 {
		return truncate(string(body), 256)
	}

	var code string
	if err := json.Unmarshal(payload.Error, &code); err == nil {
		if payload.ErrorDescription != "" {
			return code + ": " + payload.ErrorDescription
		}
		return code
	}
	var nested struct {
		ErrorCode        string `json:"errorCode"`
		Description      string `json:"description"`
		ErrorDescription string `json:"errorDescription"`
	}
	if err := json.Unmarshal(payload.Error, &nested); err == nil && nested.ErrorCode != "" {
		desc := nested.Description
		if desc == "" {
			desc = nested.ErrorDescription
		}
		if desc != "" {
			return nested.ErrorCode + ": " + desc
		}
		return nested.ErrorCode
	}
	return truncate(string(body), 256)
}

func isThrottleCode(detail string) bool {
	lowered := strings.ToLower(detail)
	for code := range throttleCodes {
		if strings.HasPrefix(lowered, code) {
			return true
		}
	}
	return false
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// endpointName strips query strings so tokens never reach logs or errors.
func endpointName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "vendor"
	}
	return u.Host + u.Path
}

func decodeJSON(endpoint string, body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &SchemaMismatchError{Endpoint: endpoint, Detail: "empty body"}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &SchemaMismatchError{Endpoint: endpoint, Detail: "decode json", Err: err}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
