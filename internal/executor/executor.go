// Package executor drives one request down its backend failover chain:
// credential selection, body encoding, upstream invocation, and the
// retry/advance decisions based on error classification.
package executor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/awsl-project/agproxy/internal/adapter/provider"
	ctxutil "github.com/awsl-project/agproxy/internal/context"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/credential"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/router"
)

// Options tunes the retry behavior.
type Options struct {
	Retry429MaxRetries int
	Retry429Interval   time.Duration
	BackoffRate        float64
	MaxBackoff         time.Duration

	// Refresh exchanges a refresh token for a fresh access token before
	// an upstream attempt. Nil disables refresh.
	Refresh credential.RefreshFunc
}

// Outcome is a successful upstream call plus everything the handler
// needs to translate the response back.
type Outcome struct {
	Result           *provider.Result
	Backend          *domain.Backend
	Model            string
	Credential       *domain.Credential
	ThinkingStripped bool
}

// Executor walks the failover chain resolved by the router.
type Executor struct {
	router   *router.Router
	creds    *credential.Manager
	registry *converter.Registry
	adapters map[string]provider.Adapter
	opts     Options
}

func New(r *router.Router, creds *credential.Manager, registry *converter.Registry, adapters map[string]provider.Adapter, opts Options) *Executor {
	if opts.Retry429MaxRetries <= 0 {
		opts.Retry429MaxRetries = 2
	}
	if opts.Retry429Interval <= 0 {
		opts.Retry429Interval = time.Second
	}
	if opts.BackoffRate <= 1 {
		opts.BackoffRate = 2.0
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Executor{router: r, creds: creds, registry: registry, adapters: adapters, opts: opts}
}

// Execute tries each backend in the chain until one succeeds. On a
// signature-rejection 400 the request is retried once with thinking
// blocks downgraded to text and thinking disabled; the same body is
// never re-sent after an invariant failure.
func (e *Executor) Execute(ctx context.Context, req *domain.Request, policy domain.ClientPolicy) (*Outcome, error) {
	var chain []router.Step
	var err error
	if forced := ctxutil.GetForcedBackend(ctx); forced != "" {
		chain, err = e.router.ResolvePinned(forced, req.Model)
	} else {
		chain, err = e.router.Resolve(req.Model)
	}
	if err != nil {
		return nil, domain.NewProxyErrorWithMessage(err, domain.KindClient, false,
			"no backend accepts model "+req.Model)
	}
	log.Printf("[Executor] client=%s scid=%s model=%s chain=%d stream=%v",
		ctxutil.GetClientType(ctx), ctxutil.GetSCID(ctx), req.Model, len(chain), req.Stream)

	stripped := false
	var diagnostics []string
	var lastErr error

	for stepIdx, step := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome, stepErr := e.executeStep(ctx, step, req, policy, &stripped)
		if stepErr == nil {
			return outcome, nil
		}
		lastErr = stepErr

		perr := domain.AsProxyError(stepErr)
		diagnostics = append(diagnostics, fmt.Sprintf("%s: %s", step.Backend.Key, perr.Error()))
		if perr.Kind == domain.KindClient {
			return nil, stepErr
		}
		log.Printf("[Executor] Backend %d/%d (%s) exhausted: %v", stepIdx+1, len(chain), step.Backend.Key, stepErr)
	}

	log.Printf("[Executor] All %d backends exhausted for model %s", len(chain), req.Model)
	perr := domain.NewProxyErrorWithMessage(domain.ErrChainExhausted, domain.KindQuota, false,
		"all backends exhausted: "+strings.Join(diagnostics, "; "))
	perr.StatusCode = 503
	if lastErr != nil {
		perr.Err = fmt.Errorf("%w: %v", domain.ErrChainExhausted, lastErr)
	}
	return nil, perr
}

func (e *Executor) executeStep(ctx context.Context, step router.Step, req *domain.Request, policy domain.ClientPolicy, stripped *bool) (*Outcome, error) {
	adapter, ok := e.adapters[step.Backend.Key]
	if !ok {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrNoBackends, domain.KindInternal, false,
			"no adapter for backend "+step.Backend.Key)
	}

	maxAttempts := step.Backend.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = e.opts.Retry429MaxRetries
	}
	// Quota and auth failures advance through the backend's remaining
	// pool before the chain falls to the next step; transient failures
	// stay on the retry budget.
	poolBudget := e.creds.PoolSize(step.Backend.Key)
	if poolBudget < 1 {
		poolBudget = 1
	}

	var lastErr error
	attempt := 0
	advances := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cred, model, err := e.creds.Acquire(step.Backend, step.TargetModel, policy)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if e.opts.Refresh != nil && cred.RefreshToken != "" {
			if err := e.creds.EnsureToken(ctx, cred, e.opts.Refresh); err != nil {
				lastErr = err
				perr := domain.AsProxyError(err)
				e.creds.ReportFailure(cred, model, perr)
				log.Printf("[Executor] Backend %s credential %s: token refresh failed: %v",
					step.Backend.Key, cred.ID, err)
				advances++
				if advances >= poolBudget {
					return nil, lastErr
				}
				continue
			}
		}

		outcome, err := e.invoke(ctx, adapter, step, cred, model, req, *stripped)
		if err == nil {
			e.creds.ReportSuccess(cred, model, nil)
			return outcome, nil
		}
		lastErr = err

		perr := domain.AsProxyError(err)
		e.creds.ReportFailure(cred, model, perr)
		log.Printf("[Executor] Backend %s attempt failed: kind=%s retryable=%v err=%v",
			step.Backend.Key, perr.Kind, perr.Retryable, err)

		switch perr.Kind {
		case domain.KindClient:
			return nil, err

		case domain.KindInvariant:
			if perr.SignatureRejected && !*stripped {
				*stripped = true
				log.Printf("[Executor] Backend %s: signature rejected, retrying without thinking", step.Backend.Key)
				continue
			}
			return nil, err

		case domain.KindAuth, domain.KindQuota:
			// Advance to the next credential without backoff; Acquire
			// already skips the one that just failed.
			advances++
			if advances >= poolBudget {
				return nil, lastErr
			}

		case domain.KindTransient:
			attempt++
			if attempt > maxAttempts {
				return nil, lastErr
			}
			wait := e.backoff(attempt - 1)
			if perr.RetryAfter > 0 {
				wait = perr.RetryAfter
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}

		default:
			return nil, err
		}
	}
}

func (e *Executor) invoke(ctx context.Context, adapter provider.Adapter, step router.Step, cred *domain.Credential, model string, req *domain.Request, stripThinking bool) (*Outcome, error) {
	sendReq := req
	if stripThinking {
		sendReq = downgradeThinking(req)
	}
	if sendReq.Model != model {
		clone := *sendReq
		clone.Model = model
		sendReq = &clone
	}

	body, err := e.registry.BuildRequest(adapter.Format(), sendReq)
	if err != nil {
		return nil, domain.NewProxyErrorWithMessage(err, domain.KindInternal, false, "encode request")
	}

	result, err := adapter.Invoke(ctx, &provider.Invocation{
		Backend:    step.Backend,
		Credential: cred,
		Model:      model,
		Body:       body,
		Stream:     req.Stream,
		Headers:    ctxutil.GetRequestHeaders(ctx),
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Result:           result,
		Backend:          step.Backend,
		Model:            model,
		Credential:       cred,
		ThinkingStripped: stripThinking,
	}, nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	wait := float64(e.opts.Retry429Interval)
	for i := 0; i < attempt; i++ {
		wait *= e.opts.BackoffRate
	}
	if time.Duration(wait) > e.opts.MaxBackoff {
		return e.opts.MaxBackoff
	}
	return time.Duration(wait)
}

// downgradeThinking returns a copy of the request with every thinking
// block flattened to text and thinking disabled. Content is preserved;
// only the signatures and the flag are dropped.
func downgradeThinking(req *domain.Request) *domain.Request {
	clone := *req
	clone.Thinking = &domain.ThinkingConfig{Enabled: false}
	clone.Messages = make([]domain.Message, len(req.Messages))
	for i, msg := range req.Messages {
		clone.Messages[i] = msg
		var blocks []domain.Block
		for _, block := range msg.Blocks {
			if block.Type == domain.BlockThinking && block.Thinking != nil {
				if strings.TrimSpace(block.Thinking.Text) != "" {
					blocks = append(blocks, domain.TextBlock(block.Thinking.Text))
				}
				continue
			}
			blocks = append(blocks, block)
		}
		clone.Messages[i].Blocks = blocks
	}
	return &clone
}
