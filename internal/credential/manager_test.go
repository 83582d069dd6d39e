package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/domain"
)

func newCred(id string) *domain.Credential {
	return &domain.Credential{
		ID:                 id,
		ModelCooldowns:     make(map[string]time.Time),
		ModelQuotaFraction: make(map[string]float64),
	}
}

func testBackend() *domain.Backend {
	return &domain.Backend{
		Key:    "gemini",
		Models: []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-3-pro"},
	}
}

func TestAcquireRotation(t *testing.T) {
	m := NewManager(Options{CallsPerRotation: 1})
	m.Load("gemini", []*domain.Credential{newCred("a"), newCred("b")})

	c1, _, err := m.Acquire(testBackend(), "gemini-2.5-pro", domain.ClientPolicy{})
	require.NoError(t, err)
	c2, _, err := m.Acquire(testBackend(), "gemini-2.5-pro", domain.ClientPolicy{})
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
}

func TestAcquireStickyUntilRotationThreshold(t *testing.T) {
	m := NewManager(Options{CallsPerRotation: 3})
	m.Load("gemini", []*domain.Credential{newCred("a"), newCred("b")})

	var ids []string
	for i := 0; i < 4; i++ {
		c, _, err := m.Acquire(testBackend(), "gemini-2.5-pro", domain.ClientPolicy{})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"a", "a", "a", "b"}, ids)
}

func TestAcquireSkipsDisabledAndCooled(t *testing.T) {
	m := NewManager(Options{CallsPerRotation: 1})
	a, b, c := newCred("a"), newCred("b"), newCred("c")
	a.Disabled = true
	b.ModelCooldowns["gemini-2.5-pro"] = time.Now().Add(time.Hour)
	m.Load("gemini", []*domain.Credential{a, b, c})

	got, model, err := m.Acquire(testBackend(), "gemini-2.5-pro", domain.ClientPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "c", got.ID)
	assert.Equal(t, "gemini-2.5-pro", model)
}

func TestAcquireSameFamilyFallback(t *testing.T) {
	m := NewManager(Options{CallsPerRotation: 1})
	a := newCred("a")
	a.ModelCooldowns["gemini-2.5-pro"] = time.Now().Add(time.Hour)
	m.Load("gemini", []*domain.Credential{a})

	_, model, err := m.Acquire(testBackend(), "gemini-2.5-pro", domain.ClientPolicy{})
	require.NoError(t, err)
	// gemini-3-pro is a different family; flash shares gemini-2.5.
	assert.Equal(t, "gemini-2.5-flash", model)
}

func TestAcquireCrossPoolNeedsPolicy(t *testing.T) {
	m := NewManager(Options{CallsPerRotation: 1})
	a := newCred("a")
	a.ModelCooldowns["gemini-2.5-pro"] = time.Now().Add(time.Hour)
	a.ModelCooldowns["gemini-2.5-flash"] = time.Now().Add(time.Hour)
	m.Load("gemini", []*domain.Credential{a})

	_, _, err := m.Acquire(testBackend(), "gemini-2.5-pro", domain.ClientPolicy{})
	require.Error(t, err)
	assert.True(t, errors.Is(domain.AsProxyError(err).Err, domain.ErrNoCredential))

	_, model, err := m.Acquire(testBackend(), "gemini-2.5-pro", domain.ClientPolicy{EnableCrossPool: true})
	require.NoError(t, err)
	assert.Equal(t, "gemini-3-pro", model)
}

func TestAcquireQuotaThreshold(t *testing.T) {
	m := NewManager(Options{CallsPerRotation: 1, QuotaThreshold: 0.2})
	a := newCred("a")
	a.ModelQuotaFraction["gemini-2.5-pro"] = 0.05
	b := newCred("b")
	m.Load("gemini", []*domain.Credential{a, b})

	got, _, err := m.Acquire(testBackend(), "gemini-2.5-pro", domain.ClientPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestReportFailureQuotaCoolsModel(t *testing.T) {
	m := NewManager(Options{CallsPerRotation: 1, DefaultCooldown: time.Minute})
	cred := newCred("a")
	m.Load("gemini", []*domain.Credential{cred})

	m.ReportFailure(cred, "gemini-2.5-pro", &domain.ProxyError{Kind: domain.KindQuota})
	until, ok := cred.ModelCooldowns["gemini-2.5-pro"]
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), until, 5*time.Second)
}

func TestReportFailureHonorsRetryAfter(t *testing.T) {
	m := NewManager(Options{})
	cred := newCred("a")

	m.ReportFailure(cred, "m", &domain.ProxyError{Kind: domain.KindQuota, RetryAfter: time.Hour})
	assert.WithinDuration(t, time.Now().Add(time.Hour), cred.ModelCooldowns["m"], 5*time.Second)
}

func TestReportFailureAuthAutoBan(t *testing.T) {
	m := NewManager(Options{AutoBan: true})
	cred := newCred("a")
	m.ReportFailure(cred, "m", &domain.ProxyError{Kind: domain.KindAuth})
	assert.True(t, cred.Disabled)

	m2 := NewManager(Options{AutoBan: false})
	cred2 := newCred("b")
	m2.ReportFailure(cred2, "m", &domain.ProxyError{Kind: domain.KindAuth})
	assert.False(t, cred2.Disabled)
}

func TestReportSuccessClearsCooldown(t *testing.T) {
	m := NewManager(Options{})
	cred := newCred("a")
	cred.ModelCooldowns["m"] = time.Now().Add(time.Hour)

	m.ReportSuccess(cred, "m", map[string]float64{"m": 0.8})
	_, ok := cred.ModelCooldowns["m"]
	assert.False(t, ok)
	assert.Equal(t, 0.8, cred.ModelQuotaFraction["m"])
}

func TestEnsureTokenSkipsFreshToken(t *testing.T) {
	m := NewManager(Options{})
	cred := newCred("a")
	cred.AccessToken = "tok"
	cred.TokenExpiry = time.Now().Add(time.Hour)

	err := m.EnsureToken(context.Background(), cred, func(context.Context, *domain.Credential) (string, time.Time, error) {
		t.Fatal("refresh called for fresh token")
		return "", time.Time{}, nil
	})
	require.NoError(t, err)
}

func TestEnsureTokenRefreshesExpired(t *testing.T) {
	m := NewManager(Options{})
	cred := newCred("a")
	cred.AccessToken = "old"
	cred.TokenExpiry = time.Now().Add(-time.Hour)

	err := m.EnsureToken(context.Background(), cred, func(context.Context, *domain.Credential) (string, time.Time, error) {
		return "new", time.Now().Add(time.Hour), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", cred.AccessToken)
}

func TestCleanupExpiredCooldowns(t *testing.T) {
	m := NewManager(Options{})
	cred := newCred("a")
	cred.ModelCooldowns["gone"] = time.Now().Add(-time.Minute)
	cred.ModelCooldowns["live"] = time.Now().Add(time.Minute)
	m.Load("gemini", []*domain.Credential{cred})

	m.CleanupExpired()
	_, gone := cred.ModelCooldowns["gone"]
	_, live := cred.ModelCooldowns["live"]
	assert.False(t, gone)
	assert.True(t, live)
}

func TestSetDisabled(t *testing.T) {
	m := NewManager(Options{})
	m.Load("gemini", []*domain.Credential{newCred("a")})

	assert.True(t, m.SetDisabled("gemini", "a", true))
	assert.True(t, m.Snapshot("gemini")[0].Disabled)
	assert.False(t, m.SetDisabled("gemini", "missing", true))
}

func TestLoadAPIKeys(t *testing.T) {
	m := NewManager(Options{})
	m.LoadAPIKeys("openai", []string{"sk-1", "sk-2"})

	snap := m.Snapshot("openai")
	require.Len(t, snap, 2)
	assert.Equal(t, "openai-key-0", snap[0].ID)
	assert.Equal(t, "sk-1", snap[0].AccessToken)
}

func TestPoolSizeCountsDisabled(t *testing.T) {
	m := NewManager(Options{})
	assert.Equal(t, 0, m.PoolSize("openai"))

	m.LoadAPIKeys("openai", []string{"sk-1", "sk-2"})
	assert.Equal(t, 2, m.PoolSize("openai"))

	m.SetDisabled("openai", "openai-key-0", true)
	assert.Equal(t, 2, m.PoolSize("openai"))
}

func TestModelFamily(t *testing.T) {
	assert.Equal(t, "gemini-2.5", modelFamily("gemini-2.5-pro"))
	assert.Equal(t, "gemini-3", modelFamily("gemini-3-pro"))
	assert.Equal(t, "gpt4", modelFamily("gpt4"))
}
