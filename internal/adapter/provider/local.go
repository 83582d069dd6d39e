package provider

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/awsl-project/agproxy/internal/domain"
)

// InvokeFunc is an in-process implementation of a backend call.
type InvokeFunc func(ctx context.Context, inv *Invocation) (*Result, error)

// LocalAdapter short-circuits a backend that is the gateway itself: the
// call runs in-process, and any internal error falls back to the HTTP
// path to the same address. The in-process function is installed after
// startup wiring completes; until then every call takes the HTTP path.
type LocalAdapter struct {
	mu       sync.RWMutex
	local    InvokeFunc
	fallback Adapter
}

func NewLocalAdapter(fallback Adapter) *LocalAdapter {
	return &LocalAdapter{fallback: fallback}
}

// SetLocal installs the in-process invocation.
func (a *LocalAdapter) SetLocal(fn InvokeFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = fn
}

func (a *LocalAdapter) Format() domain.ClientType {
	return a.fallback.Format()
}

func (a *LocalAdapter) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	a.mu.RLock()
	local := a.local
	a.mu.RUnlock()

	if local != nil {
		result, err := local(ctx, inv)
		if err == nil {
			return result, nil
		}
		perr := domain.AsProxyError(err)
		if perr.Kind != domain.KindInternal {
			return nil, err
		}
		log.Printf("[Provider] Local invocation failed (%v), falling back to HTTP", err)
	}
	return a.fallback.Invoke(ctx, inv)
}

// NewAdapter builds the adapter matching a backend's wire format.
// Backends marked Local get the in-process wrapper.
func NewAdapter(backend *domain.Backend, proxies Proxies) (Adapter, error) {
	var base Adapter
	switch backend.Format {
	case domain.ClientTypeOpenAI:
		base = NewOpenAIAdapter(backend, proxies.Default)
	case domain.ClientTypeClaude:
		base = NewAnthropicAdapter(backend, proxies.Default)
	case domain.ClientTypeGemini:
		base = NewGeminiAdapter(backend, proxies.forGoogle())
	default:
		return nil, fmt.Errorf("%w: backend %s format %s", domain.ErrUnsupportedFormat, backend.Key, backend.Format)
	}
	if backend.Local {
		return NewLocalAdapter(base), nil
	}
	return base, nil
}
