package signature

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awsl-project/agproxy/internal/domain"
)

const testSig = "sig-abcdef0123456789"

func TestPutAndGetByContent(t *testing.T) {
	s := NewStore(0)

	ok := s.Put(testSig, PutOptions{Content: "let me think about this problem"})
	require.True(t, ok)

	got := s.GetByContent("let me think about this problem", "")
	assert.Equal(t, testSig, got)
}

func TestGetByContentNormalizesWhitespace(t *testing.T) {
	s := NewStore(0)
	s.Put(testSig, PutOptions{Content: "hello   world\n\tfoo"})

	assert.Equal(t, testSig, s.GetByContent("hello world foo", ""))
}

func TestPutRejectsShortSignature(t *testing.T) {
	s := NewStore(0)
	assert.False(t, s.Put("short", PutOptions{Content: "anything"}))
	assert.Equal(t, 0, s.Stats().Size)
}

func TestPutRejectsEmptyKeys(t *testing.T) {
	s := NewStore(0)
	assert.False(t, s.Put(testSig, PutOptions{}))
}

func TestGetByToolID(t *testing.T) {
	s := NewStore(0)
	s.Put(testSig, PutOptions{ToolID: "toolu_01"})

	assert.Equal(t, testSig, s.GetByToolID("toolu_01", ""))
	assert.Equal(t, "", s.GetByToolID("toolu_02", ""))
}

func TestGetBySessionFingerprint(t *testing.T) {
	s := NewStore(0)
	fp := SessionFingerprint("first user message")
	s.Put(testSig, PutOptions{SessionFP: fp})

	assert.Equal(t, testSig, s.GetBySessionFingerprint(fp, ""))
}

func TestOwnerIsolationOnKeyedLookup(t *testing.T) {
	s := NewStore(0)
	s.Put(testSig, PutOptions{ToolID: "toolu_01", OwnerID: "owner-a"})

	// A different owner never sees another tenant's entry.
	assert.Equal(t, "", s.GetByToolID("toolu_01", "owner-b"))
	assert.Equal(t, testSig, s.GetByToolID("toolu_01", "owner-a"))
	// Ownerless queries may read owned entries on keyed lookups.
	assert.Equal(t, testSig, s.GetByToolID("toolu_01", ""))
}

func TestGetRecentOwnerMatchIsStrict(t *testing.T) {
	s := NewStore(0)
	s.Put(testSig, PutOptions{Content: "owned content", OwnerID: "owner-a"})
	s.Put("sig-0000000000ffff", PutOptions{Content: "public content"})

	assert.Equal(t, testSig, s.GetRecent(time.Minute, "owner-a"))
	assert.Equal(t, "sig-0000000000ffff", s.GetRecent(time.Minute, ""))
	assert.Equal(t, "", s.GetRecent(time.Minute, "owner-b"))
}

func TestGetRecentPrefersNewest(t *testing.T) {
	s := NewStore(0)
	s.Put("sig-older-aaaaaaaa", PutOptions{Content: "one"})
	s.Put("sig-newer-bbbbbbbb", PutOptions{Content: "two"})

	assert.Equal(t, "sig-newer-bbbbbbbb", s.GetRecent(time.Minute, ""))
}

func TestLRUEviction(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Put(fmt.Sprintf("sig-%d-0123456789", i), PutOptions{ToolID: fmt.Sprintf("tool-%d", i)})
	}

	assert.Equal(t, 3, s.Stats().Size)
	assert.Equal(t, "", s.GetByToolID("tool-0", ""))
	assert.Equal(t, "", s.GetByToolID("tool-1", ""))
	assert.Equal(t, "sig-4-0123456789", s.GetByToolID("tool-4", ""))
}

func TestReplacingIndexKeepsMultiKeyEntryAlive(t *testing.T) {
	s := NewStore(0)
	s.Put(testSig, PutOptions{Content: "shared content", ToolID: "tool-x"})
	// A second put reuses the content key but not the tool key.
	s.Put("sig-0000000000ffff", PutOptions{Content: "shared content"})

	// The first entry is still reachable through its tool id.
	assert.Equal(t, testSig, s.GetByToolID("tool-x", ""))
	assert.Equal(t, "sig-0000000000ffff", s.GetByContent("shared content", ""))
}

func TestClear(t *testing.T) {
	s := NewStore(0)
	s.Put(testSig, PutOptions{ToolID: "tool-x"})
	s.Clear()

	assert.Equal(t, 0, s.Stats().Size)
	assert.Equal(t, "", s.GetByToolID("tool-x", ""))
}

func TestStatsCounters(t *testing.T) {
	s := NewStore(0)
	s.Put(testSig, PutOptions{ToolID: "tool-x"})
	s.GetByToolID("tool-x", "")
	s.GetByToolID("missing", "")

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Writes)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 0.001)
}

func TestCleanupExpiredKeepsLiveEntries(t *testing.T) {
	s := NewStore(0)
	s.Put(testSig, PutOptions{ToolID: "tool-x", Profile: domain.ProfileSDK})

	assert.Equal(t, 0, s.CleanupExpired())
	assert.Equal(t, 1, s.Stats().Size)
}

type fakeMirror struct {
	puts    []*Entry
	byTool  map[string]*Entry
	failGet bool
}

func (m *fakeMirror) Put(e *Entry) error {
	m.puts = append(m.puts, e)
	return nil
}

func (m *fakeMirror) GetByContentHash(string) (*Entry, error) { return nil, nil }

func (m *fakeMirror) GetByToolID(toolID string) (*Entry, error) {
	if m.failGet {
		return nil, errors.New("mirror down")
	}
	return m.byTool[toolID], nil
}

func (m *fakeMirror) GetBySessionFingerprint(string) (*Entry, error) { return nil, nil }

func TestMirrorWriteThrough(t *testing.T) {
	s := NewStore(0)
	mirror := &fakeMirror{}
	s.SetMirror(mirror)

	s.Put(testSig, PutOptions{ToolID: "tool-x"})

	require.Len(t, mirror.puts, 1)
	assert.Equal(t, testSig, mirror.puts[0].Signature)
}

func TestMirrorHydrationOnMiss(t *testing.T) {
	s := NewStore(0)
	mirror := &fakeMirror{byTool: map[string]*Entry{
		"tool-x": {
			Signature: testSig,
			ToolID:    "tool-x",
			TTL:       time.Hour,
			CreatedAt: time.Now(),
		},
	}}
	s.SetMirror(mirror)

	assert.Equal(t, testSig, s.GetByToolID("tool-x", ""))
	// Hydrated entry now lives in memory.
	assert.Equal(t, 1, s.Stats().Size)
}

func TestMirrorHydrationSkipsExpired(t *testing.T) {
	s := NewStore(0)
	mirror := &fakeMirror{byTool: map[string]*Entry{
		"tool-x": {
			Signature: testSig,
			ToolID:    "tool-x",
			TTL:       time.Minute,
			CreatedAt: time.Now().Add(-2 * time.Minute),
		},
	}}
	s.SetMirror(mirror)

	assert.Equal(t, "", s.GetByToolID("tool-x", ""))
}

func TestMirrorReadFailureIsSoft(t *testing.T) {
	s := NewStore(0)
	s.SetMirror(&fakeMirror{failGet: true})

	assert.Equal(t, "", s.GetByToolID("tool-x", ""))
}

func TestSessionFingerprintEmptyInput(t *testing.T) {
	assert.Equal(t, "", SessionFingerprint("   "))
	assert.NotEqual(t, SessionFingerprint("a"), SessionFingerprint("b"))
}

func TestOwnerID(t *testing.T) {
	assert.Equal(t, "", OwnerID(""))
	assert.Equal(t, OwnerID("tok"), OwnerID("tok"))
	assert.NotEqual(t, OwnerID("tok"), OwnerID("other"))
}
