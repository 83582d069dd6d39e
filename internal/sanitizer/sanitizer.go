// Package sanitizer rewrites client-submitted histories into a shape the
// upstream thinking API accepts. Clients mangle assistant turns in
// incompatible ways; the fallback is always "drop to text, disable
// thinking", never "send something and hope".
package sanitizer

import (
	"log"
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/signature"
)

// Options carries the per-request context the recovery layers need.
type Options struct {
	SCID    string
	OwnerID string
	Profile domain.ClientProfile

	// last_signature from the conversation state, when an scid is present.
	ContextSignature string
	// Hash of the first user turn's canonical text.
	SessionFP string

	ModelFamily string

	// Inject a synthetic closure turn when the history ends on an open
	// tool loop and thinking is enabled. Set for Gemini-format targets.
	CloseToolLoop bool
}

// Result is the sanitized history plus what happened to it.
type Result struct {
	Messages        []domain.Message
	ThinkingEnabled bool

	ToolChainsFixed     int
	SignaturesRecovered int
	ThinkingDowngraded  int
}

// Sanitizer owns all signature-cache access. The translator never
// touches the cache; this is the sole caller.
type Sanitizer struct {
	store *signature.Store
}

func New(store *signature.Store) *Sanitizer {
	return &Sanitizer{store: store}
}

// Sanitize is deterministic for identical inputs and cache state, and
// idempotent: running it twice yields the first run's output.
func (s *Sanitizer) Sanitize(messages []domain.Message, thinkingEnabled bool, opts Options) Result {
	out := copyMessages(messages)

	latest := latestAssistantIndex(out)

	// Historical thinking is never valid for a new upstream session;
	// downgrade it to text rather than carry a dead signature.
	downgraded := 0
	for i := range out {
		if i == latest || out[i].Role != "assistant" {
			continue
		}
		out[i].Blocks, downgraded = downgradeThinking(out[i].Blocks, downgraded)
	}

	recovered := 0
	if latest >= 0 {
		var ok bool
		out[latest].Blocks, recovered, ok = s.recoverLatest(out[latest].Blocks, out, latest, opts)
		if !ok {
			// At least one block ended without a valid signature; the
			// thinking flag must match the content.
			out[latest].Blocks, downgraded = downgradeThinking(out[latest].Blocks, downgraded)
			if thinkingEnabled {
				log.Printf("[Sanitizer] No valid signature for latest assistant turn, disabling thinking (scid=%s)", opts.SCID)
			}
			thinkingEnabled = false
		} else if thinkingEnabled {
			out[latest].Blocks = thinkingFirst(out[latest].Blocks)
		}
	} else if thinkingEnabled && len(out) > 1 {
		// Multi-turn history with no assistant turn at all cannot satisfy
		// the leading-thinking invariant.
		thinkingEnabled = false
	}

	out, fixed := s.fixToolChains(out, opts)

	out = fillEmptyMessages(out)

	if opts.CloseToolLoop && thinkingEnabled {
		out = closeToolLoop(out, latest)
	}

	if fixed > 0 {
		log.Printf("[Sanitizer] tool_chains_fixed:%d (scid=%s)", fixed, opts.SCID)
	}

	return Result{
		Messages:            out,
		ThinkingEnabled:     thinkingEnabled,
		ToolChainsFixed:     fixed,
		SignaturesRecovered: recovered,
		ThinkingDowngraded:  downgraded,
	}
}

// recoverLatest runs the six-layer signature recovery over every
// thinking block of the latest assistant turn. ok is false when any
// block ends without a valid signature.
func (s *Sanitizer) recoverLatest(blocks []domain.Block, all []domain.Message, latest int, opts Options) ([]domain.Block, int, bool) {
	policy := domain.PolicyFor(opts.Profile)

	// Signatures smuggled through tool ids in the same turn, and the raw
	// ids for the adjacent-tool-id layer.
	var decodedSig string
	var adjacentToolIDs []string
	for _, b := range blocks {
		if b.Type != domain.BlockToolUse {
			continue
		}
		rawID, sig := signature.DecodeToolID(b.ToolUse.ID)
		adjacentToolIDs = append(adjacentToolIDs, rawID)
		if decodedSig == "" && signature.Valid(sig) {
			decodedSig = sig
		}
	}

	recovered := 0
	ok := true
	for i := range blocks {
		if blocks[i].Type != domain.BlockThinking {
			continue
		}
		tb := blocks[i].Thinking

		// An empty thinking block with a signature is a trailing-signature
		// marker; keep it untouched.
		if tb.Text == "" && signature.Valid(tb.Signature) {
			continue
		}
		if tb.Redacted {
			continue
		}

		sig := s.recoverOne(tb, decodedSig, adjacentToolIDs, policy.RecentWindow, opts)
		if sig == "" {
			ok = false
			continue
		}
		if sig != tb.Signature {
			recovered++
		}
		tb.Signature = sig
	}
	return blocks, recovered, ok
}

// recoverOne tries the recovery layers in order and returns the first
// signature that passes the validity floor.
func (s *Sanitizer) recoverOne(tb *domain.ThinkingBlock, decodedSig string, adjacentToolIDs []string, recentWindow time.Duration, opts Options) string {
	// 1. Client-supplied signature, verified against the owner-filtered
	// content index when the cache knows this content.
	if signature.Valid(tb.Signature) {
		return tb.Signature
	}
	if sig := s.store.GetByContent(tb.Text, opts.OwnerID); signature.Valid(sig) {
		return sig
	}

	// 2. Context signature carried in the conversation state.
	if opts.SCID != "" && signature.Valid(opts.ContextSignature) {
		return opts.ContextSignature
	}

	// 3. Signature decoded from an encoded tool id in the same turn.
	if signature.Valid(decodedSig) {
		return decodedSig
	}

	// 4. Session fingerprint.
	if opts.SessionFP != "" {
		if sig := s.store.GetBySessionFingerprint(opts.SessionFP, opts.OwnerID); signature.Valid(sig) {
			return sig
		}
	}

	// 5. Adjacent tool ids in the same turn.
	for _, id := range adjacentToolIDs {
		if sig := s.store.GetByToolID(id, opts.OwnerID); signature.Valid(sig) {
			return sig
		}
	}

	// 6. Most recent signature for this owner within the profile window.
	if sig := s.store.GetRecent(recentWindow, opts.OwnerID); signature.Valid(sig) {
		return sig
	}

	return ""
}

// fixToolChains decodes encoded ids and removes orphans on both sides of
// the pairing.
func (s *Sanitizer) fixToolChains(messages []domain.Message, opts Options) ([]domain.Message, int) {
	// First pass: decode ids so both sides compare on raw ids.
	resultIDs := make(map[string]bool)
	useIDs := make(map[string]bool)
	for i := range messages {
		for j := range messages[i].Blocks {
			b := &messages[i].Blocks[j]
			switch b.Type {
			case domain.BlockToolUse:
				rawID, sig := signature.DecodeToolID(b.ToolUse.ID)
				b.ToolUse.ID = rawID
				useIDs[rawID] = true
				if signature.Valid(sig) {
					// Decoded signatures are re-cached; the return trip
					// proved the client preserves ids.
					s.store.Put(sig, signature.PutOptions{
						ToolID:      rawID,
						OwnerID:     opts.OwnerID,
						ModelFamily: opts.ModelFamily,
						Profile:     opts.Profile,
					})
				}
			case domain.BlockToolResult:
				rawID, _ := signature.DecodeToolID(b.ToolResult.ToolUseID)
				b.ToolResult.ToolUseID = rawID
				resultIDs[rawID] = true
			}
		}
	}

	// Second pass: drop tool_use blocks with no result and results with
	// no tool_use.
	fixed := 0
	for i := range messages {
		kept := messages[i].Blocks[:0]
		for _, b := range messages[i].Blocks {
			switch b.Type {
			case domain.BlockToolUse:
				if !resultIDs[b.ToolUse.ID] && !isTrailingToolUse(messages, i) {
					fixed++
					continue
				}
			case domain.BlockToolResult:
				if !useIDs[b.ToolResult.ToolUseID] {
					fixed++
					continue
				}
			}
			kept = append(kept, b)
		}
		messages[i].Blocks = kept
	}
	return messages, fixed
}

// isTrailingToolUse reports whether message i is the final assistant
// turn, whose tool calls legitimately have no results yet.
func isTrailingToolUse(messages []domain.Message, i int) bool {
	if messages[i].Role != "assistant" {
		return false
	}
	return i == len(messages)-1
}

// fillEmptyMessages replaces emptied-out messages with a placeholder so
// backends that reject empty turns still accept the history.
func fillEmptyMessages(messages []domain.Message) []domain.Message {
	for i := range messages {
		if len(messages[i].Blocks) == 0 {
			messages[i].Blocks = []domain.Block{domain.TextBlock("")}
		}
	}
	return messages
}

// closeToolLoop injects a synthetic assistant/user pair when the history
// ends on a tool_result and the preceding assistant turn carries no
// thinking block. Gemini-format upstreams reject continuing a tool loop
// into a fresh thinking session otherwise.
func closeToolLoop(messages []domain.Message, latest int) []domain.Message {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.Role != "user" || !hasToolResult(last.Blocks) {
		return messages
	}
	if latest >= 0 && hasThinking(messages[latest].Blocks) {
		return messages
	}
	return append(messages,
		domain.Message{Role: "assistant", Blocks: []domain.Block{domain.TextBlock("Tool results received.")}},
		domain.Message{Role: "user", Blocks: []domain.Block{domain.TextBlock("Please continue.")}},
	)
}

func hasToolResult(blocks []domain.Block) bool {
	for _, b := range blocks {
		if b.Type == domain.BlockToolResult {
			return true
		}
	}
	return false
}

func hasThinking(blocks []domain.Block) bool {
	for _, b := range blocks {
		if b.Type == domain.BlockThinking {
			return true
		}
	}
	return false
}

// downgradeThinking converts thinking blocks to plain text, preserving
// the reasoning text. Content is never silently discarded.
func downgradeThinking(blocks []domain.Block, counter int) ([]domain.Block, int) {
	out := blocks[:0]
	for _, b := range blocks {
		if b.Type == domain.BlockThinking {
			counter++
			if b.Thinking.Text == "" {
				// Pure signature markers carry no content worth keeping.
				continue
			}
			out = append(out, domain.TextBlock(b.Thinking.Text))
			continue
		}
		out = append(out, b)
	}
	return out, counter
}

// thinkingFirst moves the first valid thinking block to the head of the
// turn; the upstream requires the last assistant message to begin with
// one when thinking is enabled.
func thinkingFirst(blocks []domain.Block) []domain.Block {
	for i, b := range blocks {
		if b.Type == domain.BlockThinking && signature.Valid(b.Thinking.Signature) {
			if i == 0 {
				return blocks
			}
			reordered := make([]domain.Block, 0, len(blocks))
			reordered = append(reordered, b)
			reordered = append(reordered, blocks[:i]...)
			reordered = append(reordered, blocks[i+1:]...)
			return reordered
		}
	}
	return blocks
}

func latestAssistantIndex(messages []domain.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return i
		}
	}
	return -1
}

// copyMessages deep-copies the mutable parts so Sanitize never aliases
// its input.
func copyMessages(messages []domain.Message) []domain.Message {
	out := make([]domain.Message, len(messages))
	for i, m := range messages {
		out[i].Role = m.Role
		out[i].Blocks = make([]domain.Block, len(m.Blocks))
		for j, b := range m.Blocks {
			nb := b
			if b.Thinking != nil {
				tb := *b.Thinking
				nb.Thinking = &tb
			}
			if b.ToolUse != nil {
				tu := *b.ToolUse
				nb.ToolUse = &tu
			}
			if b.ToolResult != nil {
				tr := *b.ToolResult
				nb.ToolResult = &tr
			}
			if b.Image != nil {
				img := *b.Image
				nb.Image = &img
			}
			out[i].Blocks[j] = nb
		}
	}
	return out
}
