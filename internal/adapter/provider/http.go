package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
)

// baseURLRotator hands out base URLs round-robin so a dead mirror does
// not starve the backend.
type baseURLRotator struct {
	urls []string
	next uint64
}

func newBaseURLRotator(urls []string) *baseURLRotator {
	return &baseURLRotator{urls: urls}
}

func (r *baseURLRotator) pick() string {
	if len(r.urls) == 0 {
		return ""
	}
	n := atomic.AddUint64(&r.next, 1)
	return strings.TrimSuffix(r.urls[(n-1)%uint64(len(r.urls))], "/")
}

// newHTTPClient builds a client honoring the backend's timeouts and an
// optional outbound proxy. Stream requests get no overall timeout; the
// per-request context carries the stream deadline instead.
func newHTTPClient(backend *domain.Backend, proxyURL string, stream bool) *http.Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost:   8,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	client := &http.Client{Transport: transport}
	if !stream {
		timeout := backend.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client.Timeout = timeout
	}
	return client
}

// applyForwardHeaders copies the whitelisted client headers onto the
// upstream request without clobbering anything the adapter already set.
func applyForwardHeaders(req *http.Request, headers http.Header) {
	for name, values := range headers {
		if req.Header.Get(name) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
}

// signatureRejectionMarkers identify the invalid-thinking-signature 400
// family across backends.
var signatureRejectionMarkers = []string{
	"invalid signature in thinking block",
	"invalid `signature`",
	"thought_signature",
	"thinking.signature",
	"signature verification failed",
}

func isSignatureRejection(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range signatureRejectionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// classifyHTTPError maps an upstream failure response to a ProxyError.
// The body is already read; callers pass it for diagnostics.
func classifyHTTPError(backend *domain.Backend, status int, header http.Header, body []byte) *domain.ProxyError {
	msg := fmt.Sprintf("backend %s returned %d", backend.Key, status)
	text := string(body)
	if len(text) > 512 {
		text = text[:512]
	}

	var perr *domain.ProxyError
	switch {
	case status == 429:
		perr = domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, domain.KindQuota, true, msg)
		perr.RetryAfter = parseRetryAfter(header.Get("Retry-After"))

	case status == 401 || status == 403:
		perr = domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, domain.KindAuth, true, msg)

	case status == 400 && isSignatureRejection(text):
		perr = domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, domain.KindInvariant, false, msg+": signature rejected")
		perr.SignatureRejected = true

	case status >= 400 && status < 500:
		perr = domain.NewProxyErrorWithMessage(fmt.Errorf("%w: %s", domain.ErrUpstreamError, text), domain.KindClient, false, msg)

	default:
		perr = domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, domain.KindTransient, true, msg)
	}
	perr.StatusCode = status
	return perr
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// drainError reads a failure body (bounded) and closes it.
func drainError(body io.ReadCloser) []byte {
	defer body.Close()
	data, _ := io.ReadAll(io.LimitReader(body, 64*1024))
	return data
}

// streamContext applies the backend's stream deadline. Non-stream calls
// rely on the client timeout instead and get a no-op cancel.
func streamContext(ctx context.Context, backend *domain.Backend, stream bool) (context.Context, context.CancelFunc) {
	if !stream {
		return ctx, func() {}
	}
	timeout := backend.StreamTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// cancelOnClose ties a stream context's lifetime to the response body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}

func networkError(backend *domain.Backend, err error) *domain.ProxyError {
	return domain.NewProxyErrorWithMessage(
		fmt.Errorf("%w: %v", domain.ErrUpstreamError, err),
		domain.KindTransient, true,
		"backend "+backend.Key+" unreachable")
}
