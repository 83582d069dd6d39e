package provider

import (
	"bytes"
	"context"
	"net/http"

	"github.com/awsl-project/agproxy/internal/domain"
)

// GeminiAdapter speaks the generateContent wire format. The model rides
// in the URL path, not the body; streaming uses alt=sse so the response
// arrives as server-sent events like the other backends.
type GeminiAdapter struct {
	backend *domain.Backend
	rotator *baseURLRotator
	client  *http.Client
	stream  *http.Client
}

func NewGeminiAdapter(backend *domain.Backend, proxyURL string) *GeminiAdapter {
	return &GeminiAdapter{
		backend: backend,
		rotator: newBaseURLRotator(backend.BaseURLs),
		client:  newHTTPClient(backend, proxyURL, false),
		stream:  newHTTPClient(backend, proxyURL, true),
	}
}

func (a *GeminiAdapter) Format() domain.ClientType {
	return domain.ClientTypeGemini
}

func (a *GeminiAdapter) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	base := a.rotator.pick()
	if base == "" {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrNoBackends, domain.KindInternal, false,
			"backend "+a.backend.Key+" has no base URL")
	}

	url := base + "/v1beta/models/" + inv.Model
	if inv.Stream {
		url += ":streamGenerateContent?alt=sse"
	} else {
		url += ":generateContent"
	}

	ctx, cancel := streamContext(ctx, a.backend, inv.Stream)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(inv.Body))
	if err != nil {
		cancel()
		return nil, domain.NewProxyErrorWithMessage(err, domain.KindInternal, false, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("x-goog-api-key", inv.Credential.AccessToken)
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
