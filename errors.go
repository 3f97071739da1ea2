package engram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrNotFound is returned by storage lookups for absent rows.
var ErrNotFound = errors.New("not found")

// ErrorCode classifies a provider failure. Codes are stable identifiers
// shared by logs, the retry policy, and the caller-facing error envelope.
type ErrorCode string

const (
	// Retriable.
	CodeNetworkTimeout      ErrorCode = "network_timeout"
	CodeConnectionError     ErrorCode = "connection_error"
	CodeDNSError            ErrorCode = "dns_error"
	CodeRateLimited         ErrorCode = "rate_limited"
	CodeServerOverload      ErrorCode = "server_overload"
	CodeGatewayError        ErrorCode = "gateway_error"
	CodeProviderUnavailable ErrorCode = "provider_unavailable"

	// Non-retriable.
	CodeInvalidRequest     ErrorCode = "invalid_request"
	CodeAuthFailed         ErrorCode = "auth_failed"
	CodeQuotaExceeded      ErrorCode = "quota_exceeded"
	CodeUnsupportedModel   ErrorCode = "unsupported_model"
	CodeContentFilterBlock ErrorCode = "content_filter_block"
	CodeInputTooLarge      ErrorCode = "input_too_large"
	CodeMalformedResponse  ErrorCode = "malformed_response"
)

var retriableCodes = map[ErrorCode]bool{
	CodeNetworkTimeout:      true,
	CodeConnectionError:     true,
	CodeDNSError:            true,
	CodeRateLimited:         true,
	CodeServerOverload:      true,
	CodeGatewayError:        true,
	CodeProviderUnavailable: true,
}

// Retriable reports whether the code may be retried against the same provider.
func (c ErrorCode) Retriable() bool { return retriableCodes[c] }

// ProviderError is the normalized error crossing subsystem boundaries.
// Every vendor-specific failure is translated into one of these before it
// leaves the provider layer.
type ProviderError struct {
	Code     ErrorCode
	Provider string
	Message  string
	Status   int // HTTP status when known, 0 otherwise
	TraceID  string
	Details  map[string]any
	// RetryAfter carries the server's Retry-After hint; the retry loop uses
	// it as a floor on the computed backoff.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: %s (http %d)", e.Provider, e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// Retriable reports whether the error may be retried against the same provider.
func (e *ProviderError) Retriable() bool { return e.Code.Retriable() }

// NewProviderError builds a normalized provider error.
func NewProviderError(provider string, code ErrorCode, message string) *ProviderError {
	return &ProviderError{Code: code, Provider: provider, Message: message}
}

// envelope is the wire form delivered to callers when all providers fail.
type envelope struct {
	Error   bool            `json:"error"`
	Type    string          `json:"type"`
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	TraceID string          `json:"trace_id"`
	Details envelopeDetails `json:"details"`
}

type envelopeDetails struct {
	Provider string `json:"provider"`
	Status   *int   `json:"status"`
}

// Envelope renders the error as the single-element stream record
// {"error":true,"type":"ProviderError",...} that keeps caller iteration
// contracts stable when generation fails entirely.
func (e *ProviderError) Envelope() string {
	env := envelope{
		Error:   true,
		Type:    "ProviderError",
		Code:    e.Code,
		Message: e.Message,
		TraceID: e.TraceID,
		Details: envelopeDetails{Provider: "none"},
	}
	if e.Provider != "" {
		env.Details.Provider = e.Provider
	}
	if e.Status != 0 {
		status := e.Status
		env.Details.Status = &status
	}
	b, err := json.Marshal(env)
	if err != nil {
		return `{"error":true,"type":"ProviderError","code":"malformed_response","message":"envelope marshal failed","trace_id":"","details":{"provider":"none","status":null}}`
	}
	return string(b)
}

// ErrHTTP is a transport-level HTTP error from a provider endpoint.
// Adapters convert it into a ProviderError via Classify.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, accepting both the
// delta-seconds and HTTP-date forms. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ClassifyHTTPStatus maps an HTTP status to an error code.
func ClassifyHTTPStatus(status int) ErrorCode {
	switch status {
	case 400, 422:
		return CodeInvalidRequest
	case 401, 403:
		return CodeAuthFailed
	case 402:
		return CodeQuotaExceeded
	case 404:
		return CodeUnsupportedModel
	case 408:
		return CodeNetworkTimeout
	case 413:
		return CodeInputTooLarge
	case 429:
		return CodeRateLimited
	case 500, 529:
		return CodeServerOverload
	case 502, 504:
		return CodeGatewayError
	case 503:
		return CodeProviderUnavailable
	}
	if status >= 500 {
		return CodeServerOverload
	}
	return CodeInvalidRequest
}

// Classify normalizes any error into a ProviderError. Existing
// ProviderErrors pass through with the provider name filled in; transport
// errors are mapped by kind; everything else is treated as a connection
// failure so the retry budget, not an infinite loop, bounds it.
func Classify(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return pe
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return &ProviderError{
			Code:       ClassifyHTTPStatus(httpErr.Status),
			Provider:   provider,
			Message:    truncate(httpErr.Body, 200),
			Status:     httpErr.Status,
			RetryAfter: httpErr.RetryAfter,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(provider, CodeNetworkTimeout, err.Error())
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewProviderError(provider, CodeDNSError, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewProviderError(provider, CodeNetworkTimeout, err.Error())
	}
	return NewProviderError(provider, CodeConnectionError, err.Error())
}

// StorageError wraps a failure inside the storage layer. Schema carries the
// diagnostic snapshot captured at failure time (table names and row counts).
type StorageError struct {
	Op     string
	Err    error
	Schema string
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
