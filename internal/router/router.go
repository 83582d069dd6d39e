// Package router resolves a requested model to an ordered failover
// chain of backends.
package router

import (
	"sort"
	"sync"

	"github.com/awsl-project/agproxy/internal/domain"
)

// Step is one resolved hop in a failover chain: which backend to call
// and what model name to send it.
type Step struct {
	Backend     *domain.Backend
	TargetModel string
}

// Router matches models against configured routing rules. A rule whose
// wildcard pattern matches the requested model yields its explicit
// chain; otherwise every enabled backend that accepts the model forms
// the chain in priority order.
type Router struct {
	mu       sync.RWMutex
	backends []*domain.Backend
	rules    []*domain.ModelRoutingRule
}

func NewRouter(backends []*domain.Backend, rules []*domain.ModelRoutingRule) *Router {
	return &Router{backends: backends, rules: rules}
}

// Reload swaps the routing table.
func (r *Router) Reload(backends []*domain.Backend, rules []*domain.ModelRoutingRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = backends
	r.rules = rules
}

// Resolve returns the failover chain for a model. First matching rule
// wins; steps naming unknown or disabled backends are skipped.
func (r *Router) Resolve(model string) ([]Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if !domain.MatchWildcard(rule.ModelPattern, model) {
			continue
		}
		var chain []Step
		for _, step := range rule.Chain {
			backend := r.backendByKeyLocked(step.BackendKey)
			if backend == nil || !backend.Enabled {
				continue
			}
			target := step.TargetModel
			if target == "" {
				target = model
			}
			chain = append(chain, Step{Backend: backend, TargetModel: target})
		}
		if len(chain) == 0 {
			return nil, domain.ErrNoBackends
		}
		return chain, nil
	}

	return r.defaultChainLocked(model)
}

// ResolvePinned returns a single-step chain for a direct-addressed
// backend, bypassing the routing rules. Unknown or disabled backends
// resolve to ErrNoBackends.
func (r *Router) ResolvePinned(backendKey, model string) ([]Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend := r.backendByKeyLocked(backendKey)
	if backend == nil || !backend.Enabled {
		return nil, domain.ErrNoBackends
	}
	return []Step{{Backend: backend, TargetModel: model}}, nil
}

// Backends returns the configured backends.
func (r *Router) Backends() []*domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends
}

func (r *Router) backendByKeyLocked(key string) *domain.Backend {
	for _, b := range r.backends {
		if b.Key == key {
			return b
		}
	}
	return nil
}

func (r *Router) defaultChainLocked(model string) ([]Step, error) {
	var candidates []*domain.Backend
	for _, b := range r.backends {
		if b.Enabled && b.AcceptsModel(model) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoBackends
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	chain := make([]Step, 0, len(candidates))
	for _, b := range candidates {
		chain = append(chain, Step{Backend: b, TargetModel: model})
	}
	return chain, nil
}
