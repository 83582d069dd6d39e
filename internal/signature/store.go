package signature

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
)

// How much of the (whitespace-collapsed) content participates in the
// content hash. The full content is kept on the entry so a lookup can
// verify against prefix-hash collisions.
const hashPrefixChars = 500

// DefaultMaxEntries bounds the store; eviction is LRU on total count.
const DefaultMaxEntries = 10000

// Entry is one cached signature with every key it was stored under.
type Entry struct {
	Signature   string
	Content     string
	ContentHash string
	ToolID      string
	SessionFP   string
	OwnerID     string
	ModelFamily string

	TTL         time.Duration
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount uint64
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Mirror is the optional persistent write-through behind the store.
// All methods are best-effort; failures are logged, never surfaced.
type Mirror interface {
	Put(e *Entry) error
	GetByContentHash(hash string) (*Entry, error)
	GetByToolID(toolID string) (*Entry, error)
	GetBySessionFingerprint(fp string) (*Entry, error)
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Writes  uint64  `json:"writes"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hitRate"`
}

// PutOptions names the keys a signature is stored under. At least one of
// Content, ToolID or SessionFP must be set for the put to succeed.
type PutOptions struct {
	Content     string
	ToolID      string
	SessionFP   string
	OwnerID     string
	ModelFamily string
	Profile     domain.ClientProfile
}

// Store is the multi-indexed signature cache. Every index maps to the
// same list element; recency order doubles as the recent-lookup order
// and the LRU eviction order.
type Store struct {
	mu        sync.RWMutex
	byContent map[string]*list.Element
	byToolID  map[string]*list.Element
	bySession map[string]*list.Element
	order     *list.List // front = most recently touched

	maxEntries int
	mirror     Mirror

	hits   uint64
	misses uint64
	writes uint64
}

// NewStore creates a store. maxEntries <= 0 selects the default bound.
func NewStore(maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Store{
		byContent:  make(map[string]*list.Element),
		byToolID:   make(map[string]*list.Element),
		bySession:  make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

// SetMirror attaches the persistent write-through.
func (s *Store) SetMirror(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// Put stores sig under every key present in opts. Returns true iff at
// least one index was written.
func (s *Store) Put(sig string, opts PutOptions) bool {
	if !Valid(sig) {
		return false
	}

	now := time.Now()
	e := &Entry{
		Signature:   sig,
		Content:     opts.Content,
		ToolID:      opts.ToolID,
		SessionFP:   opts.SessionFP,
		OwnerID:     opts.OwnerID,
		ModelFamily: opts.ModelFamily,
		TTL:         domain.PolicyFor(opts.Profile).SignatureTTL,
		CreatedAt:   now,
		AccessedAt:  now,
	}
	if opts.Content != "" {
		e.ContentHash = HashContent(opts.Content)
	}

	if e.ContentHash == "" && e.ToolID == "" && e.SessionFP == "" {
		return false
	}

	s.mu.Lock()
	elem := s.order.PushFront(e)
	if e.ContentHash != "" {
		s.replaceIndex(s.byContent, e.ContentHash, elem)
	}
	if e.ToolID != "" {
		s.replaceIndex(s.byToolID, e.ToolID, elem)
	}
	if e.SessionFP != "" {
		s.replaceIndex(s.bySession, e.SessionFP, elem)
	}
	s.writes++
	for s.order.Len() > s.maxEntries {
		s.evictOldestLocked()
	}
	mirror := s.mirror
	s.mu.Unlock()

	if mirror != nil {
		if err := mirror.Put(e); err != nil {
			log.Printf("[SignatureStore] Mirror write failed: %v", err)
		}
	}
	return true
}

// replaceIndex points key at elem, dropping a stale element that was
// only reachable through this key.
func (s *Store) replaceIndex(index map[string]*list.Element, key string, elem *list.Element) {
	if old, ok := index[key]; ok && old != elem {
		s.maybeRemoveLocked(old)
	}
	index[key] = elem
}

// GetByContent returns a live signature whose stored content matches the
// query, or "". The prefix hash narrows the search; the stored full
// content is then verified so a hash collision returns nothing.
func (s *Store) GetByContent(content, ownerID string) string {
	hash := HashContent(content)

	e := s.lookup(s.byContent, hash, ownerID, func() (*Entry, error) {
		if s.mirror == nil {
			return nil, nil
		}
		return s.mirror.GetByContentHash(hash)
	})
	if e == nil {
		return ""
	}
	if normalizePrefix(e.Content) != normalizePrefix(content) {
		log.Printf("[SignatureStore] Content hash collision on %s", hash)
		return ""
	}
	return e.Signature
}

// GetByToolID returns the signature stored under a tool-call id, or "".
func (s *Store) GetByToolID(toolID, ownerID string) string {
	e := s.lookup(s.byToolID, toolID, ownerID, func() (*Entry, error) {
		if s.mirror == nil {
			return nil, nil
		}
		return s.mirror.GetByToolID(toolID)
	})
	if e == nil {
		return ""
	}
	return e.Signature
}

// GetBySessionFingerprint returns the signature stored under a session
// fingerprint, or "".
func (s *Store) GetBySessionFingerprint(fp, ownerID string) string {
	e := s.lookup(s.bySession, fp, ownerID, func() (*Entry, error) {
		if s.mirror == nil {
			return nil, nil
		}
		return s.mirror.GetBySessionFingerprint(fp)
	})
	if e == nil {
		return ""
	}
	return e.Signature
}

// GetRecent walks entries newest-first and returns the first one inside
// the window whose owner matches strictly: an entry without an owner is
// never returned to an owned query, and an owned entry is never returned
// to an ownerless one.
func (s *Store) GetRecent(window time.Duration, ownerID string) string {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*Entry)
		if e.expired(now) {
			continue
		}
		if now.Sub(e.CreatedAt) > window {
			// List is recency-ordered, not creation-ordered; a touched
			// old entry may precede younger ones, so keep walking.
			continue
		}
		if e.OwnerID != ownerID {
			continue
		}
		e.AccessedAt = now
		e.AccessCount++
		s.hits++
		return e.Signature
	}
	s.misses++
	return ""
}

// lookup is the common single-index path: memory first, lazy expiry,
// owner filtering, then mirror hydration on miss.
func (s *Store) lookup(index map[string]*list.Element, key, ownerID string, hydrate func() (*Entry, error)) *Entry {
	if key == "" {
		return nil
	}
	now := time.Now()

	s.mu.Lock()
	if elem, ok := index[key]; ok {
		e := elem.Value.(*Entry)
		if e.expired(now) {
			s.removeLocked(elem)
		} else if !ownerAllowed(e.OwnerID, ownerID) {
			s.misses++
			s.mu.Unlock()
			return nil
		} else {
			e.AccessedAt = now
			e.AccessCount++
			s.order.MoveToFront(elem)
			s.hits++
			s.mu.Unlock()
			return e
		}
	}
	s.misses++
	s.mu.Unlock()

	// Mirror hydration happens outside the lock; only the insert of the
	// hydrated entry re-acquires it.
	hydrated, err := hydrate()
	if err != nil {
		log.Printf("[SignatureStore] Mirror read failed: %v", err)
		return nil
	}
	if hydrated == nil || hydrated.expired(now) {
		return nil
	}
	if !ownerAllowed(hydrated.OwnerID, ownerID) {
		return nil
	}

	s.mu.Lock()
	elem := s.order.PushFront(hydrated)
	if hydrated.ContentHash != "" {
		s.replaceIndex(s.byContent, hydrated.ContentHash, elem)
	}
	if hydrated.ToolID != "" {
		s.replaceIndex(s.byToolID, hydrated.ToolID, elem)
	}
	if hydrated.SessionFP != "" {
		s.replaceIndex(s.bySession, hydrated.SessionFP, elem)
	}
	for s.order.Len() > s.maxEntries {
		s.evictOldestLocked()
	}
	s.mu.Unlock()

	return hydrated
}

// ownerAllowed applies the cross-tenant rule for keyed lookups: an entry
// with a different non-empty owner is never visible to an owned query.
func ownerAllowed(entryOwner, queryOwner string) bool {
	return entryOwner == "" || queryOwner == "" || entryOwner == queryOwner
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byContent = make(map[string]*list.Element)
	s.byToolID = make(map[string]*list.Element)
	s.bySession = make(map[string]*list.Element)
	s.order.Init()
}

// CleanupExpired removes expired entries eagerly and returns the count.
func (s *Store) CleanupExpired() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*Entry).expired(now) {
			s.removeLocked(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Hits:   s.hits,
		Misses: s.misses,
		Writes: s.writes,
		Size:   s.order.Len(),
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

func (s *Store) evictOldestLocked() {
	if back := s.order.Back(); back != nil {
		s.removeLocked(back)
	}
}

// maybeRemoveLocked drops elem only when no index still points at it.
func (s *Store) maybeRemoveLocked(elem *list.Element) {
	e := elem.Value.(*Entry)
	if e.ContentHash != "" && s.byContent[e.ContentHash] == elem {
		return
	}
	if e.ToolID != "" && s.byToolID[e.ToolID] == elem {
		return
	}
	if e.SessionFP != "" && s.bySession[e.SessionFP] == elem {
		return
	}
	s.order.Remove(elem)
}

func (s *Store) removeLocked(elem *list.Element) {
	e := elem.Value.(*Entry)
	if e.ContentHash != "" && s.byContent[e.ContentHash] == elem {
		delete(s.byContent, e.ContentHash)
	}
	if e.ToolID != "" && s.byToolID[e.ToolID] == elem {
		delete(s.byToolID, e.ToolID)
	}
	if e.SessionFP != "" && s.bySession[e.SessionFP] == elem {
		delete(s.bySession, e.SessionFP)
	}
	s.order.Remove(elem)
}

// HashContent hashes the normalized content prefix.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(normalizePrefix(content)))
	return hex.EncodeToString(sum[:])[:16]
}

// normalizePrefix collapses whitespace and truncates to the hashed
// prefix length.
func normalizePrefix(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	runes := []rune(collapsed)
	if len(runes) > hashPrefixChars {
		return string(runes[:hashPrefixChars])
	}
	return collapsed
}

// SessionFingerprint derives the session key from the first user turn's
// canonical text.
func SessionFingerprint(firstUserText string) string {
	if strings.TrimSpace(firstUserText) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalizePrefix(firstUserText)))
	return "fp-" + hex.EncodeToString(sum[:])[:16]
}

// OwnerID derives the multi-tenant isolation key from an auth token.
func OwnerID(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}
