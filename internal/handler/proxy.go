// Package handler exposes the proxy endpoints: the three dialect
// surfaces (/v1/messages, /v1/chat/completions, /v1beta/models/...),
// the NDJSON IDE stream, and the admin panel API.
package handler

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/awsl-project/agproxy/internal/adapter/client"
	ctxutil "github.com/awsl-project/agproxy/internal/context"
	"github.com/awsl-project/agproxy/internal/conversation"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/executor"
	"github.com/awsl-project/agproxy/internal/repository"
	"github.com/awsl-project/agproxy/internal/router"
	"github.com/awsl-project/agproxy/internal/sanitizer"
	"github.com/awsl-project/agproxy/internal/signature"
	"github.com/awsl-project/agproxy/internal/stream"
	"github.com/awsl-project/agproxy/internal/usage"
)

const maxRequestBody = 50 << 20

// ProxyHandler is the translation path: classify the client, normalize
// the request, sanitize history, execute against the backend chain, and
// translate the response back into the client's dialect.
type ProxyHandler struct {
	clients   *client.Adapter
	registry  *converter.Registry
	sanitizer *sanitizer.Sanitizer
	store     *signature.Store
	convs     *conversation.Manager
	router    *router.Router
	exec      *executor.Executor
	usage     repository.UsageRepository

	apiPassword       string
	antiTruncationMax int
	compatMode        bool
}

func NewProxyHandler(
	clients *client.Adapter,
	registry *converter.Registry,
	san *sanitizer.Sanitizer,
	store *signature.Store,
	convs *conversation.Manager,
	rt *router.Router,
	exec *executor.Executor,
	usage repository.UsageRepository,
	apiPassword string,
	antiTruncationMax int,
	compatMode bool,
) *ProxyHandler {
	return &ProxyHandler{
		clients:           clients,
		registry:          registry,
		sanitizer:         san,
		store:             store,
		convs:             convs,
		router:            rt,
		exec:              exec,
		usage:             usage,
		apiPassword:       apiPassword,
		antiTruncationMax: antiTruncationMax,
		compatMode:        compatMode,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	info := h.clients.Extract(r, body)
	if info.ClientType == "" {
		writeError(w, http.StatusBadRequest, "unrecognized request format")
		return
	}
	if h.apiPassword != "" && info.OwnerToken != h.apiPassword {
		writeDialectError(w, info.ClientType, domain.NewProxyErrorWithMessage(
			domain.ErrUnauthorized, domain.KindAuth, false, "invalid or missing API key"))
		return
	}

	req, checkpointID, err := h.parseRequest(info, body)
	if err != nil {
		writeDialectError(w, info.ClientType, domain.NewProxyErrorWithMessage(
			err, domain.KindClient, false, "invalid request body"))
		return
	}
	if req.Model == "" {
		req.Model = info.Model
	}
	if req.Model == "" {
		writeDialectError(w, info.ClientType, domain.NewProxyErrorWithMessage(
			domain.ErrInvalidInput, domain.KindClient, false, "model is required"))
		return
	}
	req.Stream = req.Stream || info.Stream
	if info.ClientType == domain.ClientTypeNDJSON {
		// The IDE protocol is stream-only.
		req.Stream = true
	}

	scid := info.SCID
	if scid == "" {
		scid = checkpointID
	}
	resumed := scid != ""
	if scid == "" {
		scid = conversation.NewID()
	}
	h.convs.GetOrCreate(scid, info.ClientType)
	if resumed {
		req.Messages = h.convs.MergeWithClientHistory(scid, req.Messages)
	}

	policy := domain.PolicyFor(info.Profile)
	ownerID := signature.OwnerID(info.OwnerToken)
	sessionFP := signature.SessionFingerprint(firstUserText(req.Messages))

	thinkingEnabled := req.Thinking != nil && req.Thinking.Enabled
	if policy.NeedsSanitization {
		res := h.sanitizer.Sanitize(req.Messages, thinkingEnabled, sanitizer.Options{
			SCID:             scid,
			OwnerID:          ownerID,
			Profile:          info.Profile,
			ContextSignature: h.convs.LastSignature(scid),
			SessionFP:        sessionFP,
			ModelFamily:      modelFamilyOf(req.Model),
			CloseToolLoop:    h.targetsGemini(req.Model),
		})
		req.Messages = res.Messages
		if thinkingEnabled && !res.ThinkingEnabled {
			req.Thinking = &domain.ThinkingConfig{Enabled: false}
		}
	}
	stream.ClampThinkingBudget(req)

	ctx := ctxutil.WithClientType(r.Context(), info.ClientType)
	ctx = ctxutil.WithClientProfile(ctx, info.Profile)
	ctx = ctxutil.WithOwnerID(ctx, ownerID)
	ctx = ctxutil.WithSCID(ctx, scid)
	ctx = ctxutil.WithSessionFingerprint(ctx, sessionFP)
	ctx = ctxutil.WithRequestModel(ctx, req.Model)
	ctx = ctxutil.WithIsStream(ctx, req.Stream)
	if fwd := h.clients.ForwardHeaders(r); fwd != nil {
		ctx = ctxutil.WithRequestHeaders(ctx, fwd)
	}

	outcome, err := h.exec.Execute(ctx, req, policy)
	if err != nil {
		perr := domain.AsProxyError(err)
		log.Printf("[Proxy] %s/%s model=%s failed: %v", info.ClientType, info.Profile, req.Model, perr)
		h.recordUsage(info, "", req.Model, nil, false)
		writeDialectError(w, info.ClientType, perr)
		return
	}
	defer outcome.Result.Body.Close()

	w.Header().Set(domain.ConversationIDHeader, scid)

	putBase := signature.PutOptions{
		SessionFP:   sessionFP,
		OwnerID:     ownerID,
		ModelFamily: modelFamilyOf(req.Model),
		Profile:     info.Profile,
	}

	if req.Stream {
		h.streamResponse(w, r, info, req, scid, policy, outcome, putBase)
	} else {
		h.completeResponse(w, info, req, scid, policy, outcome, putBase)
	}
}

// parseRequest normalizes the body. NDJSON has no converter dialect; its
// node list is parsed here in the handler layer. In compatibility mode a
// body that fails the path's dialect is re-detected from its shape and
// parsed leniently, for clients that post one dialect to another's path.
func (h *ProxyHandler) parseRequest(info *client.Info, body []byte) (*domain.Request, string, error) {
	if info.ClientType == domain.ClientTypeNDJSON {
		return parseNDJSONRequest(body)
	}
	req, err := h.registry.ParseRequest(info.ClientType, body)
	if h.compatMode && (err != nil || len(req.Messages) == 0) {
		if bt := h.clients.DetectFromBody(body); bt != "" && bt != info.ClientType {
			if lenient, lerr := h.registry.ParseRequest(bt, body); lerr == nil && len(lenient.Messages) > 0 {
				log.Printf("[Proxy] compatibility mode: %s body on %s path", bt, info.ClientType)
				return lenient, "", nil
			}
		}
	}
	return req, "", err
}

func (h *ProxyHandler) streamResponse(
	w http.ResponseWriter,
	r *http.Request,
	info *client.Info,
	req *domain.Request,
	scid string,
	policy domain.ClientPolicy,
	outcome *executor.Outcome,
	putBase signature.PutOptions,
) {
	parser := parserFor(outcome.Backend.Format)
	writer := writerFor(info.ClientType, req.Model, scid, policy.SupportsIDEncoding)

	if info.ClientType == domain.ClientTypeNDJSON {
		w.Header().Set("Content-Type", "application/x-ndjson")
	} else {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &captureSink{store: h.store, base: putBase}
	pipeline := stream.NewPipeline(parser, writer, sink)
	if h.antiTruncationMax > 0 {
		pipeline.WithResume(func(ctx context.Context, partial string) (io.ReadCloser, error) {
			out, rerr := h.exec.Execute(ctx, continuationRequest(req, partial), policy)
			if rerr != nil {
				return nil, rerr
			}
			return out.Result.Body, nil
		}, h.antiTruncationMax)
	}
	err := pipeline.Run(r.Context(), outcome.Result.Body, w)
	if err != nil && err != domain.ErrStreamInterrupted && r.Context().Err() == nil {
		log.Printf("[Proxy] stream to %s aborted: %v", info.ClientType, err)
	}

	if len(sink.blocks) > 0 {
		h.convs.UpdateAuthoritativeHistory(scid, req.Messages,
			domain.Message{Role: "assistant", Blocks: sink.blocks}, sink.lastSig)
	}
	h.recordUsage(info, outcome.Backend.Key, outcome.Model, sink.usage, err == nil)
}

func (h *ProxyHandler) completeResponse(
	w http.ResponseWriter,
	info *client.Info,
	req *domain.Request,
	scid string,
	policy domain.ClientPolicy,
	outcome *executor.Outcome,
	putBase signature.PutOptions,
) {
	data, err := io.ReadAll(outcome.Result.Body)
	if err != nil {
		writeDialectError(w, info.ClientType, domain.NewProxyErrorWithMessage(
			err, domain.KindTransient, false, "reading upstream response failed"))
		return
	}

	fromDialect, err := h.registry.Dialect(outcome.Backend.Format)
	if err == nil {
		var resp *domain.Response
		if resp, err = fromDialect.ParseResponse(data); err == nil {
			if resp.Usage == nil {
				// Some backends report usage outside the normalized shape.
				if m := usage.ExtractFromResponse(data); m != nil {
					resp.Usage = &domain.Usage{
						InputTokens:      m.InputTokens,
						OutputTokens:     m.OutputTokens,
						CacheReadTokens:  m.CacheReadTokens,
						CacheWriteTokens: m.CacheWriteTokens,
					}
				}
			}
			h.finishComplete(w, info, req, scid, policy, outcome, putBase, resp)
			return
		}
	}
	log.Printf("[Proxy] cannot normalize %s response: %v", outcome.Backend.Key, err)
	writeDialectError(w, info.ClientType, domain.NewProxyErrorWithMessage(
		err, domain.KindInvariant, false, "upstream response not understood"))
}

func (h *ProxyHandler) finishComplete(
	w http.ResponseWriter,
	info *client.Info,
	req *domain.Request,
	scid string,
	policy domain.ClientPolicy,
	outcome *executor.Outcome,
	putBase signature.PutOptions,
	resp *domain.Response,
) {
	lastSig := h.cacheResponseSignatures(resp, policy, putBase)

	// Clients see the model they asked for, not the routed target.
	resp.Model = req.Model

	toDialect, err := h.registry.Dialect(info.ClientType)
	if err != nil {
		writeDialectError(w, info.ClientType, domain.AsProxyError(err))
		return
	}
	out, err := toDialect.BuildResponse(resp)
	if err != nil {
		writeDialectError(w, info.ClientType, domain.NewProxyErrorWithMessage(
			err, domain.KindInternal, false, "response translation failed"))
		return
	}

	h.convs.UpdateAuthoritativeHistory(scid, req.Messages,
		domain.Message{Role: "assistant", Blocks: resp.Blocks}, lastSig)
	h.recordUsage(info, outcome.Backend.Key, outcome.Model, resp.Usage, true)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// cacheResponseSignatures indexes every signature in the response and,
// when the client supports it, folds the latest one into tool-call ids.
func (h *ProxyHandler) cacheResponseSignatures(resp *domain.Response, policy domain.ClientPolicy, base signature.PutOptions) string {
	var lastSig string
	for i := range resp.Blocks {
		b := &resp.Blocks[i]
		switch b.Type {
		case domain.BlockThinking:
			if b.Thinking == nil || !signature.Valid(b.Thinking.Signature) {
				continue
			}
			lastSig = b.Thinking.Signature
			opts := base
			opts.Content = b.Thinking.Text
			h.store.Put(lastSig, opts)
		case domain.BlockToolUse:
			if b.ToolUse == nil || lastSig == "" {
				continue
			}
			opts := base
			opts.ToolID = b.ToolUse.ID
			h.store.Put(lastSig, opts)
			if policy.SupportsIDEncoding {
				b.ToolUse.ID = signature.EncodeToolID(b.ToolUse.ID, lastSig)
			}
		}
	}
	return lastSig
}

func (h *ProxyHandler) recordUsage(info *client.Info, backendKey, model string, u *domain.Usage, success bool) {
	if h.usage == nil {
		return
	}
	rec := &repository.UsageRecord{
		Timestamp:  time.Now(),
		ClientType: string(info.ClientType),
		Profile:    string(info.Profile),
		BackendKey: backendKey,
		Model:      model,
		Success:    success,
	}
	if u != nil {
		rec.InputTokens = u.InputTokens
		rec.OutputTokens = u.OutputTokens
		rec.CacheReadTokens = u.CacheReadTokens
		rec.CacheWriteTokens = u.CacheWriteTokens
	}
	if err := h.usage.Record(rec); err != nil {
		log.Printf("[Proxy] usage record failed: %v", err)
	}
}

// continuationRequest asks the backend to pick up where a truncated
// stream stopped: the partial output becomes the assistant turn and a
// terse user nudge requests the remainder. Thinking stays off since the
// partial turn carries no signature.
func continuationRequest(req *domain.Request, partial string) *domain.Request {
	clone := *req
	clone.Thinking = &domain.ThinkingConfig{Enabled: false}
	if strings.TrimSpace(partial) == "" {
		return &clone
	}
	clone.Messages = make([]domain.Message, 0, len(req.Messages)+2)
	clone.Messages = append(clone.Messages, req.Messages...)
	clone.Messages = append(clone.Messages,
		domain.Message{Role: "assistant", Blocks: []domain.Block{domain.TextBlock(partial)}},
		domain.Message{Role: "user", Blocks: []domain.Block{domain.TextBlock(
			"Continue exactly where you left off, without repeating anything.")}},
	)
	return &clone
}

// targetsGemini reports whether the first backend in the resolved chain
// speaks the Gemini dialect. Tool-loop closure is only injected there.
func (h *ProxyHandler) targetsGemini(model string) bool {
	steps, err := h.router.Resolve(model)
	if err != nil || len(steps) == 0 {
		return false
	}
	return steps[0].Backend.Format == domain.ClientTypeGemini
}

func parserFor(format domain.ClientType) stream.Parser {
	switch format {
	case domain.ClientTypeClaude:
		return stream.NewClaudeParser()
	case domain.ClientTypeOpenAI:
		return stream.NewOpenAIParser()
	default:
		return stream.NewGeminiParser()
	}
}

func writerFor(ct domain.ClientType, model, scid string, encodeIDs bool) stream.Writer {
	switch ct {
	case domain.ClientTypeClaude:
		return stream.NewClaudeWriter(responseID("msg_", scid), model, encodeIDs)
	case domain.ClientTypeOpenAI:
		return stream.NewOpenAIWriter(responseID("chatcmpl-", scid), model, encodeIDs)
	case domain.ClientTypeNDJSON:
		return stream.NewNDJSONWriter(scid)
	default:
		return stream.NewGeminiWriter(model)
	}
}

func responseID(prefix, scid string) string {
	return prefix + domain.ShortHash(scid+strconv.FormatInt(time.Now().UnixNano(), 10))
}

// captureSink feeds observed signatures into the cache and accumulates
// the assistant turn for conversation writeback.
type captureSink struct {
	store *signature.Store
	base  signature.PutOptions

	blocks  []domain.Block
	lastSig string
	usage   *domain.Usage
}

func (s *captureSink) OnSignature(sig, thinkingText string) {
	opts := s.base
	opts.Content = thinkingText
	s.store.Put(sig, opts)
	s.lastSig = sig
}

func (s *captureSink) OnToolCall(id, _ string, _ map[string]interface{}) {
	if s.lastSig == "" {
		return
	}
	opts := s.base
	opts.ToolID = id
	s.store.Put(s.lastSig, opts)
}

func (s *captureSink) OnBlock(b domain.Block)  { s.blocks = append(s.blocks, b) }
func (s *captureSink) OnUsage(u *domain.Usage) { s.usage = u }

func firstUserText(messages []domain.Message) string {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		var sb strings.Builder
		for _, b := range msg.Blocks {
			if b.Type == domain.BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// modelFamilyOf keys the signature cache by coarse model family, the
// first two dash-separated tokens of the model name.
func modelFamilyOf(model string) string {
	parts := strings.SplitN(model, "-", 3)
	if len(parts) < 2 {
		return model
	}
	return parts[0] + "-" + parts[1]
}
