package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNoBackends        = errors.New("no backends available")
	ErrChainExhausted    = errors.New("all backends exhausted")
	ErrNoCredential      = errors.New("no usable credential")
	ErrUpstreamError     = errors.New("upstream error")
	ErrFormatConversion  = errors.New("format conversion error")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrStreamInterrupted = errors.New("stream interrupted")
)

// ErrorKind classifies an upstream failure by semantic class. The executor
// maps kinds to retry/advance decisions; nothing below it retries.
type ErrorKind string

const (
	// Upstream rejected a shape the sanitizer or translator produced.
	// Never retried on the same body.
	KindInvariant ErrorKind = "invariant"
	// Per-model 429. Advance credential, then backend.
	KindQuota ErrorKind = "quota"
	// 5xx, reset, timeout. Retry same backend with backoff.
	KindTransient ErrorKind = "transient"
	// 401/403. Disable the credential, retry with the next one.
	KindAuth ErrorKind = "auth"
	// Malformed client request. Returned as 4xx without retry.
	KindClient ErrorKind = "client"
	// Parse bug, state corruption, panic. Returned as 500.
	KindInternal ErrorKind = "internal"
)

// ProxyError is the typed failure the executor bases decisions on.
type ProxyError struct {
	Err        error
	Kind       ErrorKind
	Retryable  bool
	Message    string
	StatusCode int

	// Explicit backoff hint from the upstream (Retry-After or body RetryInfo).
	RetryAfter time.Duration
	// Explicit cooldown end from a quota-exhaustion payload.
	CooldownUntil *time.Time
	// Set when the 400 is the invalid-thinking-signature family; the
	// executor strips thinking and retries once.
	SignatureRejected bool
}

func (e *ProxyError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

func NewProxyError(err error, kind ErrorKind, retryable bool) *ProxyError {
	return &ProxyError{Err: err, Kind: kind, Retryable: retryable}
}

func NewProxyErrorWithMessage(err error, kind ErrorKind, retryable bool, msg string) *ProxyError {
	return &ProxyError{Err: err, Kind: kind, Retryable: retryable, Message: msg}
}

// AsProxyError unwraps err into a *ProxyError, or wraps unknown errors
// as internal non-retryable ones.
func AsProxyError(err error) *ProxyError {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProxyError{Err: err, Kind: KindInternal, Retryable: false}
}
