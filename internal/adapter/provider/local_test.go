package provider

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/domain"
)

type stubAdapter struct {
	format  domain.ClientType
	calls   int
	respond func() (*Result, error)
}

func (s *stubAdapter) Format() domain.ClientType { return s.format }

func (s *stubAdapter) Invoke(context.Context, *Invocation) (*Result, error) {
	s.calls++
	return s.respond()
}

func stubResult(body string) func() (*Result, error) {
	return func() (*Result, error) {
		return &Result{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
	}
}

func TestLocalAdapterUsesInstalledFunc(t *testing.T) {
	fallback := &stubAdapter{format: domain.ClientTypeOpenAI, respond: stubResult("http")}
	local := NewLocalAdapter(fallback)
	local.SetLocal(func(context.Context, *Invocation) (*Result, error) {
		return &Result{StatusCode: 200, Body: io.NopCloser(strings.NewReader("in-process"))}, nil
	})

	res, err := local.Invoke(context.Background(), &Invocation{})
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "in-process", string(body))
	assert.Zero(t, fallback.calls)
}

func TestLocalAdapterFallsBackBeforeInstall(t *testing.T) {
	fallback := &stubAdapter{format: domain.ClientTypeOpenAI, respond: stubResult("http")}
	local := NewLocalAdapter(fallback)

	res, err := local.Invoke(context.Background(), &Invocation{})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, 1, fallback.calls)
}

func TestLocalAdapterFallsBackOnInternalErrorOnly(t *testing.T) {
	fallback := &stubAdapter{format: domain.ClientTypeOpenAI, respond: stubResult("http")}
	local := NewLocalAdapter(fallback)
	local.SetLocal(func(context.Context, *Invocation) (*Result, error) {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, domain.KindInternal, false, "wiring broke")
	})

	res, err := local.Invoke(context.Background(), &Invocation{})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, 1, fallback.calls)

	// A quota error from the in-process path is a real answer, not a
	// reason to retry over HTTP.
	local.SetLocal(func(context.Context, *Invocation) (*Result, error) {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, domain.KindQuota, true, "quota")
	})
	_, err = local.Invoke(context.Background(), &Invocation{})
	require.Error(t, err)
	assert.Equal(t, domain.KindQuota, domain.AsProxyError(err).Kind)
	assert.Equal(t, 1, fallback.calls)
}

func TestNewAdapterWrapsLocalBackends(t *testing.T) {
	remote, err := NewAdapter(&domain.Backend{
		Key: "r", Format: domain.ClientTypeOpenAI, BaseURLs: []string{"http://upstream"},
	}, Proxies{})
	require.NoError(t, err)
	_, isLocal := remote.(*LocalAdapter)
	assert.False(t, isLocal)

	local, err := NewAdapter(&domain.Backend{
		Key: "l", Format: domain.ClientTypeOpenAI, BaseURLs: []string{"http://self"}, Local: true,
	}, Proxies{})
	require.NoError(t, err)
	_, isLocal = local.(*LocalAdapter)
	assert.True(t, isLocal)
	assert.Equal(t, domain.ClientTypeOpenAI, local.Format())

	_, err = NewAdapter(&domain.Backend{Key: "x", Format: "bogus"}, Proxies{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedFormat)
}
