// Package credential manages upstream credential pools: model-level
// cooldowns, quota tracking, rotation, and cross-pool model fallback.
package credential

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/awsl-project/agproxy/internal/domain"
)

const (
	// DefaultQuotaThreshold skips credentials whose remaining quota
	// fraction for the requested model fell below this.
	DefaultQuotaThreshold = 0.1
	// DefaultCooldown applies when a quota failure carries no
	// Retry-After hint.
	DefaultCooldown = 5 * time.Minute
)

// Options tunes the manager.
type Options struct {
	QuotaThreshold   float64
	DefaultCooldown  time.Duration
	AutoBan          bool
	CallsPerRotation int
	// PaceInterval is the minimum spacing between acquisitions of the
	// same credential. Zero disables pacing.
	PaceInterval time.Duration
}

// Manager holds one credential pool per backend key. Acquire and the
// report methods are short critical sections under one lock.
type Manager struct {
	mu    sync.Mutex
	pools map[string][]*domain.Credential
	// round-robin cursor and call count per backend
	cursor map[string]int
	calls  map[string]int

	limiters map[string]*rate.Limiter
	refresh  singleflight.Group

	opts Options
}

func NewManager(opts Options) *Manager {
	if opts.QuotaThreshold <= 0 {
		opts.QuotaThreshold = DefaultQuotaThreshold
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = DefaultCooldown
	}
	if opts.CallsPerRotation <= 0 {
		opts.CallsPerRotation = 1
	}
	return &Manager{
		pools:    make(map[string][]*domain.Credential),
		cursor:   make(map[string]int),
		calls:    make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		opts:     opts,
	}
}

// Load replaces the pool for a backend.
func (m *Manager) Load(backendKey string, creds []*domain.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[backendKey] = creds
	m.cursor[backendKey] = 0
	m.calls[backendKey] = 0
	log.Printf("[Credential] Loaded %d credentials for backend %s", len(creds), backendKey)
}

// LoadAPIKeys wraps bare API keys as credentials for backends that
// authenticate with static keys instead of identity files.
func (m *Manager) LoadAPIKeys(backendKey string, keys []string) {
	creds := make([]*domain.Credential, 0, len(keys))
	for i, key := range keys {
		creds = append(creds, &domain.Credential{
			ID:                 backendKey + "-key-" + strconv.Itoa(i),
			AccessToken:        key,
			ModelCooldowns:     make(map[string]time.Time),
			ModelQuotaFraction: make(map[string]float64),
		})
	}
	m.Load(backendKey, creds)
}

// Acquire selects a usable credential for the model, rotating through
// the pool. When the primary model has no usable credential, same-family
// alternatives from the backend's model list are tried; a different
// family is tried only for policies with cross-pool fallback enabled.
// The returned model is the one the request should actually target.
func (m *Manager) Acquire(backend *domain.Backend, model string, policy domain.ClientPolicy) (*domain.Credential, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred := m.acquireLocked(backend.Key, model); cred != nil {
		return cred, model, nil
	}

	family := modelFamily(model)
	for _, alt := range backend.Models {
		if alt == model || modelFamily(alt) != family {
			continue
		}
		if cred := m.acquireLocked(backend.Key, alt); cred != nil {
			log.Printf("[Credential] Backend %s: model %s exhausted, falling back to %s", backend.Key, model, alt)
			return cred, alt, nil
		}
	}

	if policy.EnableCrossPool {
		for _, alt := range backend.Models {
			if modelFamily(alt) == family {
				continue
			}
			if cred := m.acquireLocked(backend.Key, alt); cred != nil {
				log.Printf("[Credential] Backend %s: cross-pool fallback %s -> %s", backend.Key, model, alt)
				return cred, alt, nil
			}
		}
	}

	return nil, "", domain.NewProxyErrorWithMessage(domain.ErrNoCredential, domain.KindQuota, false,
		"no usable credential for backend "+backend.Key+" model "+model)
}

func (m *Manager) acquireLocked(backendKey, model string) *domain.Credential {
	pool := m.pools[backendKey]
	if len(pool) == 0 {
		return nil
	}

	now := time.Now()
	start := m.cursor[backendKey] % len(pool)
	for i := 0; i < len(pool); i++ {
		cred := pool[(start+i)%len(pool)]
		if !m.usableLocked(cred, model, now) {
			continue
		}
		if lim := m.limiterLocked(cred.ID); lim != nil && !lim.Allow() {
			continue
		}

		m.calls[backendKey]++
		if m.calls[backendKey] >= m.opts.CallsPerRotation {
			m.calls[backendKey] = 0
			m.cursor[backendKey] = (start + i + 1) % len(pool)
		}
		cred.LastUsed = now
		return cred
	}
	return nil
}

func (m *Manager) usableLocked(cred *domain.Credential, model string, now time.Time) bool {
	if cred.Disabled {
		return false
	}
	if until, ok := cred.ModelCooldowns[model]; ok && now.Before(until) {
		return false
	}
	if frac, ok := cred.ModelQuotaFraction[model]; ok && frac < m.opts.QuotaThreshold {
		return false
	}
	return true
}

func (m *Manager) limiterLocked(credID string) *rate.Limiter {
	if m.opts.PaceInterval <= 0 {
		return nil
	}
	lim, ok := m.limiters[credID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.opts.PaceInterval), 1)
		m.limiters[credID] = lim
	}
	return lim
}

// ReportFailure updates credential state after an upstream failure.
// Quota exhaustion cools the model down; an authentication failure
// disables the credential when auto-ban is on. Transient errors leave
// the credential untouched.
func (m *Manager) ReportFailure(cred *domain.Credential, model string, perr *domain.ProxyError) {
	if cred == nil || perr == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch perr.Kind {
	case domain.KindQuota:
		until := time.Now().Add(m.opts.DefaultCooldown)
		if perr.CooldownUntil != nil {
			until = *perr.CooldownUntil
		} else if perr.RetryAfter > 0 {
			until = time.Now().Add(perr.RetryAfter)
		}
		if cred.ModelCooldowns == nil {
			cred.ModelCooldowns = make(map[string]time.Time)
		}
		cred.ModelCooldowns[model] = until
		log.Printf("[Credential] %s: model %s cooling down until %s", cred.ID, model, until.Format(time.RFC3339))

	case domain.KindAuth:
		if m.opts.AutoBan {
			cred.Disabled = true
			log.Printf("[Credential] %s: disabled after auth failure", cred.ID)
		} else {
			log.Printf("[Credential] %s: auth failure (auto-ban off)", cred.ID)
		}
	}
}

// ReportSuccess clears the model cooldown and records a quota snapshot
// when the response carried one.
func (m *Manager) ReportSuccess(cred *domain.Credential, model string, quotaFractions map[string]float64) {
	if cred == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(cred.ModelCooldowns, model)
	if len(quotaFractions) > 0 {
		if cred.ModelQuotaFraction == nil {
			cred.ModelQuotaFraction = make(map[string]float64)
		}
		for k, v := range quotaFractions {
			cred.ModelQuotaFraction[k] = v
		}
	}
}

// RefreshFunc exchanges a refresh token for a new access token.
type RefreshFunc func(ctx context.Context, cred *domain.Credential) (accessToken string, expiry time.Time, err error)

// EnsureToken refreshes an expired access token, deduplicating
// concurrent refreshes of the same credential.
func (m *Manager) EnsureToken(ctx context.Context, cred *domain.Credential, fn RefreshFunc) error {
	m.mu.Lock()
	fresh := cred.AccessToken != "" && (cred.TokenExpiry.IsZero() || time.Now().Before(cred.TokenExpiry.Add(-time.Minute)))
	m.mu.Unlock()
	if fresh {
		return nil
	}

	_, err, _ := m.refresh.Do(cred.ID, func() (interface{}, error) {
		token, expiry, err := fn(ctx, cred)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		cred.AccessToken = token
		cred.TokenExpiry = expiry
		m.mu.Unlock()
		log.Printf("[Credential] %s: token refreshed, expires %s", cred.ID, expiry.Format(time.RFC3339))
		return nil, nil
	})
	return err
}

// CleanupExpired drops cooldowns whose end time passed.
func (m *Manager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for _, pool := range m.pools {
		for _, cred := range pool {
			for model, until := range cred.ModelCooldowns {
				if now.After(until) {
					delete(cred.ModelCooldowns, model)
					cleaned++
				}
			}
		}
	}
	if cleaned > 0 {
		log.Printf("[Credential] Cleaned up %d expired cooldowns", cleaned)
	}
}

// Snapshot returns a copy of the pool state for diagnostics.
func (m *Manager) Snapshot(backendKey string) []domain.Credential {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool := m.pools[backendKey]
	out := make([]domain.Credential, 0, len(pool))
	for _, cred := range pool {
		out = append(out, *cred)
	}
	return out
}

// SetDisabled flips one credential's availability. Used by the admin
// surface to take a credential out of rotation without restarting.
func (m *Manager) SetDisabled(backendKey, credID string, disabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cred := range m.pools[backendKey] {
		if cred.ID == credID {
			cred.Disabled = disabled
			log.Printf("[Credential] %s/%s disabled=%v", backendKey, credID, disabled)
			return true
		}
	}
	return false
}

// PoolSize reports how many credentials a backend's pool holds,
// disabled ones included.
func (m *Manager) PoolSize(backendKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools[backendKey])
}

// PoolKeys lists the backend keys that currently have pools.
func (m *Manager) PoolKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.pools))
	for key := range m.pools {
		keys = append(keys, key)
	}
	return keys
}

// modelFamily groups models that are interchangeable fallbacks: the
// first two dash-separated tokens ("gemini-2.5-pro" -> "gemini-2.5").
func modelFamily(model string) string {
	parts := strings.SplitN(model, "-", 3)
	if len(parts) < 2 {
		return model
	}
	return parts[0] + "-" + parts[1]
}
