package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/awsl-project/agproxy/internal/adapter/provider"
	"github.com/awsl-project/agproxy/internal/domain"
)

// localInvoke serves a backend invocation through the gateway's own
// proxy handler without a network round trip. The synthetic request
// carries the gateway's API password, so the handler treats it like any
// external client; the inner request then routes on its own model.
func (c *Components) localInvoke(ctx context.Context, inv *provider.Invocation) (*provider.Result, error) {
	path, err := localPath(inv)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://local"+path, bytes.NewReader(inv.Body))
	if err != nil {
		return nil, domain.NewProxyErrorWithMessage(err, domain.KindInternal, false, "build local request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Config.APIPassword != "" {
		req.Header.Set("Authorization", "Bearer "+c.Config.APIPassword)
	}
	if inv.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	pr, pw := io.Pipe()
	rw := &pipeResponseWriter{header: make(http.Header), pw: pw, ready: make(chan struct{})}
	go func() {
		c.ProxyHandler.ServeHTTP(rw, req)
		// A handler that wrote nothing still resolves the status.
		rw.WriteHeader(http.StatusOK)
		_ = pw.Close()
	}()

	select {
	case <-rw.ready:
	case <-ctx.Done():
		_ = pr.Close()
		return nil, ctx.Err()
	}

	if rw.status >= 400 {
		body, _ := io.ReadAll(io.LimitReader(pr, 8<<10))
		_ = pr.Close()
		return nil, domain.NewProxyErrorWithMessage(
			domain.ErrUpstreamError, domain.KindInternal, false,
			fmt.Sprintf("local invocation returned %d: %s", rw.status, bytes.TrimSpace(body)))
	}
	return &provider.Result{StatusCode: rw.status, Header: rw.header, Body: pr}, nil
}

// localPath maps the backend's wire format to the gateway endpoint that
// speaks it.
func localPath(inv *provider.Invocation) (string, error) {
	switch inv.Backend.Format {
	case domain.ClientTypeClaude:
		return "/v1/messages", nil
	case domain.ClientTypeOpenAI:
		return "/v1/chat/completions", nil
	case domain.ClientTypeGemini:
		action := ":generateContent"
		if inv.Stream {
			action = ":streamGenerateContent?alt=sse"
		}
		return "/v1beta/models/" + inv.Model + action, nil
	}
	return "", domain.NewProxyErrorWithMessage(
		domain.ErrUnsupportedFormat, domain.KindInternal, false,
		"local backend format "+string(inv.Backend.Format))
}

// pipeResponseWriter bridges the handler's ResponseWriter onto a pipe so
// the caller can stream the body as it is produced. ready closes once
// the status is known.
type pipeResponseWriter struct {
	header http.Header
	pw     *io.PipeWriter
	ready  chan struct{}
	once   sync.Once
	status int
}

func (w *pipeResponseWriter) Header() http.Header { return w.header }

func (w *pipeResponseWriter) WriteHeader(code int) {
	w.once.Do(func() {
		w.status = code
		close(w.ready)
	})
}

func (w *pipeResponseWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.pw.Write(p)
}

func (w *pipeResponseWriter) Flush() {}
