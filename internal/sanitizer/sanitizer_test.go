package sanitizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/signature"
)

const testSig = "sig-abcdef0123456789"

func newSanitizer() (*Sanitizer, *signature.Store) {
	store := signature.NewStore(0)
	return New(store), store
}

func user(text string) domain.Message {
	return domain.Message{Role: "user", Blocks: []domain.Block{domain.TextBlock(text)}}
}

func assistant(blocks ...domain.Block) domain.Message {
	return domain.Message{Role: "assistant", Blocks: blocks}
}

func TestSanitizeKeepsValidSignature(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ThinkingBlockOf("reasoning", testSig), domain.TextBlock("a")),
	}

	res := s.Sanitize(msgs, true, Options{})
	assert.True(t, res.ThinkingEnabled)
	assert.Equal(t, 0, res.SignaturesRecovered)
	assert.Equal(t, testSig, res.Messages[1].Blocks[0].Thinking.Signature)
}

func TestSanitizeDowngradesHistoricalThinking(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q1"),
		assistant(domain.ThinkingBlockOf("old reasoning", testSig), domain.TextBlock("a1")),
		user("q2"),
		assistant(domain.ThinkingBlockOf("new reasoning", testSig), domain.TextBlock("a2")),
	}

	res := s.Sanitize(msgs, true, Options{})
	// Only the latest assistant turn keeps its thinking block.
	assert.Equal(t, domain.BlockText, res.Messages[1].Blocks[0].Type)
	assert.Equal(t, "old reasoning", res.Messages[1].Blocks[0].Text)
	assert.Equal(t, domain.BlockThinking, res.Messages[3].Blocks[0].Type)
	assert.Equal(t, 1, res.ThinkingDowngraded)
}

func TestSanitizeRecoversFromContentIndex(t *testing.T) {
	s, store := newSanitizer()
	store.Put(testSig, signature.PutOptions{Content: "the reasoning text"})

	msgs := []domain.Message{
		user("q"),
		assistant(domain.ThinkingBlockOf("the reasoning text", ""), domain.TextBlock("a")),
	}
	res := s.Sanitize(msgs, true, Options{})

	assert.True(t, res.ThinkingEnabled)
	assert.Equal(t, 1, res.SignaturesRecovered)
	assert.Equal(t, testSig, res.Messages[1].Blocks[0].Thinking.Signature)
}

func TestSanitizeRecoversFromContextSignature(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ThinkingBlockOf("reasoning", ""), domain.TextBlock("a")),
	}
	res := s.Sanitize(msgs, true, Options{SCID: "conv-1", ContextSignature: testSig})

	assert.True(t, res.ThinkingEnabled)
	assert.Equal(t, testSig, res.Messages[1].Blocks[0].Thinking.Signature)
}

func TestSanitizeRecoversFromEncodedToolID(t *testing.T) {
	s, store := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(
			domain.ThinkingBlockOf("reasoning", ""),
			domain.ToolUseBlock(signature.EncodeToolID("toolu_01", testSig), "f", nil),
		),
	}
	res := s.Sanitize(msgs, true, Options{})

	assert.True(t, res.ThinkingEnabled)
	assert.Equal(t, testSig, res.Messages[1].Blocks[0].Thinking.Signature)
	// The id is decoded back to its raw form for the upstream.
	assert.Equal(t, "toolu_01", res.Messages[1].Blocks[1].ToolUse.ID)
	// The round-tripped signature is re-cached under the raw id.
	assert.Equal(t, testSig, store.GetByToolID("toolu_01", ""))
}

func TestSanitizeRecoversFromSessionFingerprint(t *testing.T) {
	s, store := newSanitizer()
	fp := signature.SessionFingerprint("first message")
	store.Put(testSig, signature.PutOptions{SessionFP: fp})

	msgs := []domain.Message{
		user("first message"),
		assistant(domain.ThinkingBlockOf("reasoning", ""), domain.TextBlock("a")),
	}
	res := s.Sanitize(msgs, true, Options{SessionFP: fp})

	assert.True(t, res.ThinkingEnabled)
	assert.Equal(t, testSig, res.Messages[1].Blocks[0].Thinking.Signature)
}

func TestSanitizeDisablesThinkingWhenUnrecoverable(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ThinkingBlockOf("reasoning nobody signed", ""), domain.TextBlock("a")),
	}
	res := s.Sanitize(msgs, true, Options{})

	assert.False(t, res.ThinkingEnabled)
	// The reasoning survives as text; content is never discarded.
	assert.Equal(t, domain.BlockText, res.Messages[1].Blocks[0].Type)
	assert.Equal(t, "reasoning nobody signed", res.Messages[1].Blocks[0].Text)
}

func TestSanitizeOwnerIsolationBlocksRecovery(t *testing.T) {
	s, store := newSanitizer()
	store.Put(testSig, signature.PutOptions{Content: "reasoning", OwnerID: "owner-a"})

	msgs := []domain.Message{
		user("q"),
		assistant(domain.ThinkingBlockOf("reasoning", ""), domain.TextBlock("a")),
	}
	res := s.Sanitize(msgs, true, Options{OwnerID: "owner-b"})
	assert.False(t, res.ThinkingEnabled)
}

func TestSanitizeTrailingSignatureMarkerKept(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.TextBlock("a"), domain.ThinkingBlockOf("", testSig)),
	}
	res := s.Sanitize(msgs, true, Options{})

	assert.True(t, res.ThinkingEnabled)
	// The marker moves to the head of the turn for the leading-thinking
	// requirement.
	assert.Equal(t, domain.BlockThinking, res.Messages[1].Blocks[0].Type)
	assert.Equal(t, testSig, res.Messages[1].Blocks[0].Thinking.Signature)
}

func TestSanitizeDropsOrphanToolUse(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ToolUseBlock("toolu_orphan", "f", nil), domain.TextBlock("a")),
		user("next"),
	}
	res := s.Sanitize(msgs, false, Options{})

	assert.Equal(t, 1, res.ToolChainsFixed)
	for _, b := range res.Messages[1].Blocks {
		assert.NotEqual(t, domain.BlockToolUse, b.Type)
	}
}

func TestSanitizeKeepsTrailingToolUse(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ToolUseBlock("toolu_pending", "f", nil)),
	}
	res := s.Sanitize(msgs, false, Options{})

	assert.Equal(t, 0, res.ToolChainsFixed)
	assert.Equal(t, domain.BlockToolUse, res.Messages[1].Blocks[0].Type)
}

func TestSanitizeDropsOrphanToolResult(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.TextBlock("a")),
		{Role: "user", Blocks: []domain.Block{domain.ToolResultBlock("toolu_unknown", "out")}},
	}
	res := s.Sanitize(msgs, false, Options{})

	assert.Equal(t, 1, res.ToolChainsFixed)
	// The emptied message gets a placeholder, not removal.
	require.Len(t, res.Messages[2].Blocks, 1)
	assert.Equal(t, domain.BlockText, res.Messages[2].Blocks[0].Type)
}

func TestSanitizeMatchedToolPairSurvives(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ToolUseBlock("toolu_01", "f", nil)),
		{Role: "user", Blocks: []domain.Block{domain.ToolResultBlock("toolu_01", "out")}},
		assistant(domain.TextBlock("done")),
	}
	res := s.Sanitize(msgs, false, Options{})
	assert.Equal(t, 0, res.ToolChainsFixed)
}

func TestSanitizeClosesToolLoopForGemini(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ToolUseBlock("toolu_01", "f", nil)),
		{Role: "user", Blocks: []domain.Block{domain.ToolResultBlock("toolu_01", "out")}},
	}
	res := s.Sanitize(msgs, true, Options{CloseToolLoop: true, ContextSignature: testSig, SCID: "conv-1"})

	require.Len(t, res.Messages, 5)
	assert.Equal(t, "assistant", res.Messages[3].Role)
	assert.Equal(t, "user", res.Messages[4].Role)
}

func TestSanitizeNoToolLoopClosureWhenThinkingPresent(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ThinkingBlockOf("reasoning", testSig), domain.ToolUseBlock("toolu_01", "f", nil)),
		{Role: "user", Blocks: []domain.Block{domain.ToolResultBlock("toolu_01", "out")}},
	}
	res := s.Sanitize(msgs, true, Options{CloseToolLoop: true})
	assert.Len(t, res.Messages, 3)
}

func TestSanitizeIdempotent(t *testing.T) {
	s, store := newSanitizer()
	store.Put(testSig, signature.PutOptions{Content: "reasoning"})

	msgs := []domain.Message{
		user("q"),
		assistant(domain.ThinkingBlockOf("reasoning", ""), domain.TextBlock("a")),
	}
	first := s.Sanitize(msgs, true, Options{})
	second := s.Sanitize(first.Messages, first.ThinkingEnabled, Options{})

	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, first.ThinkingEnabled, second.ThinkingEnabled)
}

func TestSanitizeDoesNotAliasInput(t *testing.T) {
	s, _ := newSanitizer()
	msgs := []domain.Message{
		user("q"),
		assistant(domain.ThinkingBlockOf("old", testSig), domain.TextBlock("a")),
		user("q2"),
		assistant(domain.TextBlock("a2")),
	}
	s.Sanitize(msgs, true, Options{})

	// The historical turn in the caller's slice is untouched.
	assert.Equal(t, domain.BlockThinking, msgs[1].Blocks[0].Type)
}
