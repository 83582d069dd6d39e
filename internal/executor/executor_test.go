package executor

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/adapter/provider"
	ctxutil "github.com/awsl-project/agproxy/internal/context"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/credential"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/router"
)

type fakeAdapter struct {
	format  domain.ClientType
	invoked []*provider.Invocation
	respond func(inv *provider.Invocation) (*provider.Result, error)
}

func (f *fakeAdapter) Format() domain.ClientType { return f.format }

func (f *fakeAdapter) Invoke(_ context.Context, inv *provider.Invocation) (*provider.Result, error) {
	f.invoked = append(f.invoked, inv)
	return f.respond(inv)
}

func okResult(*provider.Invocation) (*provider.Result, error) {
	return &provider.Result{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(`{}`)),
	}, nil
}

func quotaError(*provider.Invocation) (*provider.Result, error) {
	return nil, domain.NewProxyErrorWithMessage(domain.ErrUpstreamError, domain.KindQuota, true, "quota exhausted")
}

func testRequest() *domain.Request {
	return &domain.Request{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Blocks: []domain.Block{domain.TextBlock("hi")}}},
	}
}

func newTestExecutor(backends []*domain.Backend, adapters map[string]provider.Adapter, opts Options) (*Executor, *credential.Manager) {
	rt := router.NewRouter(backends, nil)
	creds := credential.NewManager(credential.Options{})
	return New(rt, creds, converter.NewRegistry(), adapters, opts), creds
}

func TestExecuteRefreshesExpiredTokenBeforeInvoke(t *testing.T) {
	backend := &domain.Backend{Key: "b", Format: domain.ClientTypeOpenAI, Enabled: true, Priority: 1}
	adapter := &fakeAdapter{format: domain.ClientTypeOpenAI, respond: okResult}

	exec, creds := newTestExecutor([]*domain.Backend{backend},
		map[string]provider.Adapter{"b": adapter},
		Options{Refresh: func(_ context.Context, _ *domain.Credential) (string, time.Time, error) {
			return "fresh-token", time.Now().Add(time.Hour), nil
		}})
	creds.Load("b", []*domain.Credential{{
		ID:           "c1",
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		TokenExpiry:  time.Now().Add(-time.Hour),
	}})

	outcome, err := exec.Execute(context.Background(), testRequest(), domain.ClientPolicy{})
	require.NoError(t, err)
	defer outcome.Result.Body.Close()

	require.Len(t, adapter.invoked, 1)
	assert.Equal(t, "fresh-token", adapter.invoked[0].Credential.AccessToken)
}

func TestExecuteRefreshFailureExhaustsPool(t *testing.T) {
	backend := &domain.Backend{Key: "b", Format: domain.ClientTypeOpenAI, Enabled: true, Priority: 1}
	adapter := &fakeAdapter{format: domain.ClientTypeOpenAI, respond: okResult}

	exec, creds := newTestExecutor([]*domain.Backend{backend},
		map[string]provider.Adapter{"b": adapter},
		Options{Refresh: func(_ context.Context, cred *domain.Credential) (string, time.Time, error) {
			return "", time.Time{}, domain.NewProxyErrorWithMessage(
				domain.ErrUpstreamError, domain.KindAuth, false, "refresh rejected for "+cred.ID)
		}})
	creds.Load("b", []*domain.Credential{
		{ID: "c1", RefreshToken: "r1", TokenExpiry: time.Now().Add(-time.Hour)},
		{ID: "c2", RefreshToken: "r2", TokenExpiry: time.Now().Add(-time.Hour)},
	})

	_, err := exec.Execute(context.Background(), testRequest(), domain.ClientPolicy{})
	require.Error(t, err)
	// Nothing reached the upstream without a usable token.
	assert.Empty(t, adapter.invoked)
}

func TestExecuteQuotaAdvancesThroughWholePool(t *testing.T) {
	// Three credentials and a retry budget of one: quota failures must
	// still walk the whole pool before giving up on the backend.
	backend := &domain.Backend{Key: "b", Format: domain.ClientTypeOpenAI, Enabled: true, Priority: 1, MaxRetries: 1}
	adapter := &fakeAdapter{format: domain.ClientTypeOpenAI, respond: quotaError}

	exec, creds := newTestExecutor([]*domain.Backend{backend},
		map[string]provider.Adapter{"b": adapter}, Options{})
	creds.LoadAPIKeys("b", []string{"k1", "k2", "k3"})

	_, err := exec.Execute(context.Background(), testRequest(), domain.ClientPolicy{})
	require.Error(t, err)
	assert.Len(t, adapter.invoked, 3)

	seen := map[string]bool{}
	for _, inv := range adapter.invoked {
		seen[inv.Credential.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestExecuteForcedBackendPinsChain(t *testing.T) {
	primary := &domain.Backend{Key: "b1", Format: domain.ClientTypeOpenAI, Enabled: true, Priority: 1}
	pinned := &domain.Backend{Key: "b2", Format: domain.ClientTypeOpenAI, Enabled: true, Priority: 2}
	a1 := &fakeAdapter{format: domain.ClientTypeOpenAI, respond: okResult}
	a2 := &fakeAdapter{format: domain.ClientTypeOpenAI, respond: okResult}

	exec, creds := newTestExecutor([]*domain.Backend{primary, pinned},
		map[string]provider.Adapter{"b1": a1, "b2": a2}, Options{})
	creds.LoadAPIKeys("b1", []string{"k1"})
	creds.LoadAPIKeys("b2", []string{"k2"})

	ctx := ctxutil.WithForcedBackend(context.Background(), "b2")
	outcome, err := exec.Execute(ctx, testRequest(), domain.ClientPolicy{})
	require.NoError(t, err)
	defer outcome.Result.Body.Close()

	assert.Empty(t, a1.invoked)
	require.Len(t, a2.invoked, 1)
	assert.Equal(t, "b2", outcome.Backend.Key)
}

func TestExecuteForcedUnknownBackendFails(t *testing.T) {
	primary := &domain.Backend{Key: "b1", Format: domain.ClientTypeOpenAI, Enabled: true, Priority: 1}
	a1 := &fakeAdapter{format: domain.ClientTypeOpenAI, respond: okResult}

	exec, creds := newTestExecutor([]*domain.Backend{primary},
		map[string]provider.Adapter{"b1": a1}, Options{})
	creds.LoadAPIKeys("b1", []string{"k1"})

	ctx := ctxutil.WithForcedBackend(context.Background(), "nope")
	_, err := exec.Execute(ctx, testRequest(), domain.ClientPolicy{})
	require.Error(t, err)
	assert.Empty(t, a1.invoked)
}

func TestExecuteForwardsClientHeaders(t *testing.T) {
	backend := &domain.Backend{Key: "b", Format: domain.ClientTypeOpenAI, Enabled: true, Priority: 1}
	adapter := &fakeAdapter{format: domain.ClientTypeOpenAI, respond: okResult}

	exec, creds := newTestExecutor([]*domain.Backend{backend},
		map[string]provider.Adapter{"b": adapter}, Options{})
	creds.LoadAPIKeys("b", []string{"k1"})

	headers := map[string][]string{"User-Agent": {"claude-cli/1.0"}}
	ctx := ctxutil.WithRequestHeaders(context.Background(), headers)
	outcome, err := exec.Execute(ctx, testRequest(), domain.ClientPolicy{})
	require.NoError(t, err)
	defer outcome.Result.Body.Close()

	require.Len(t, adapter.invoked, 1)
	assert.Equal(t, "claude-cli/1.0", adapter.invoked[0].Headers.Get("User-Agent"))
}
