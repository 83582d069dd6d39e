package provider

import (
	"bytes"
	"context"
	"net/http"

	"github.com/awsl-project/agproxy/internal/domain"
)

// AnthropicAdapter speaks the messages wire format.
type AnthropicAdapter struct {
	backend *domain.Backend
	rotator *baseURLRotator
	client  *http.Client
	stream  *http.Client
}

func NewAnthropicAdapter(backend *domain.Backend, proxyURL string) *AnthropicAdapter {
	return &AnthropicAdapter{
		backend: backend,
		rotator: newBaseURLRotator(backend.BaseURLs),
		client:  newHTTPClient(backend, proxyURL, false),
		stream:  newHTTPClient(backend, proxyURL, true),
	}
}

func (a *AnthropicAdapter) Format() domain.ClientType {
	return domain.ClientTypeClaude
}

func (a *AnthropicAdapter) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	base := a.rotator.pick()
	if base == "" {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrNoBackends, domain.KindInternal, false,
			"backend "+a.backend.Key+" has no base URL")
	}

	ctx, cancel := streamContext(ctx, a.backend, inv.Stream)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(inv.Body))
	if err != nil {
		cancel()
		return nil, domain.NewProxyErrorWithMessage(err, domain.KindInternal, false, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("x-api-key", inv.Credential.AccessToken)
	req.Header.Set("anthropic-version", "2023-06-01")
	if inv.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	applyForwardHeaders(req, inv.Headers)

	client := a.client
	if inv.Stream {
		client = a.stream
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, networkError(a.backend, err)
	}
	if resp.StatusCode >= 400 {
		body := drainError(resp.Body)
		cancel()
		return nil, classifyHTTPError(a.backend, resp.StatusCode, resp.Header, body)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}
