// Package conversation holds server-side authoritative history per
// conversation so clients that mangle replayed history do not break
// upstream invariants. Participation is advisory: requests without a
// conversation id proceed untouched.
package conversation

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awsl-project/agproxy/internal/domain"
)

const DefaultTTL = 2 * time.Hour

// state wraps one conversation with its own lock so merges on the same
// scid serialize while different scids stay parallel.
type state struct {
	mu   sync.Mutex
	conv *domain.ConversationState
}

// Mirror persists conversation state so it survives restarts. The
// in-memory map stays authoritative; mirror failures only log.
type Mirror interface {
	Save(state *domain.ConversationState) error
	Get(scid string) (*domain.ConversationState, error)
}

// Manager tracks conversation states by scid.
type Manager struct {
	mu     sync.RWMutex
	states map[string]*state
	ttl    time.Duration
	mirror Mirror
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{states: make(map[string]*state), ttl: ttl}
}

// SetMirror installs a persistence mirror. Unknown scids hydrate from
// it and history updates write through to it.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mirror = mirror
}

// NewID issues a fresh conversation id.
func NewID() string {
	return "conv-" + uuid.NewString()
}

// GetOrCreate returns the state for scid, creating an empty one when
// unknown. An empty scid gets a fresh id.
func (m *Manager) GetOrCreate(scid string, clientType domain.ClientType) *domain.ConversationState {
	if scid == "" {
		scid = NewID()
	}
	st := m.upsert(scid, clientType)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.conv.AccessCount++
	st.conv.ExpiresAt = time.Now().Add(m.ttl)
	return st.conv
}

// LastSignature returns the most recent signature recorded for scid.
func (m *Manager) LastSignature(scid string) string {
	st := m.get(scid)
	if st == nil {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.conv.LastSignature
}

// MergeWithClientHistory reconciles the client's replayed message list
// against the authoritative record. The client prefix that matches the
// record is replaced by the record itself (which still has thinking
// blocks and signatures intact); net-new suffix messages are appended.
// When nothing matches, only the last user turn is accepted from the
// client and the record supplies the rest.
func (m *Manager) MergeWithClientHistory(scid string, clientMessages []domain.Message) []domain.Message {
	st := m.get(scid)
	if st == nil {
		return clientMessages
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	history := st.conv.History
	if len(history) == 0 {
		return clientMessages
	}

	matched := matchedPrefix(history, clientMessages)
	if matched > 0 {
		merged := make([]domain.Message, 0, len(history)+len(clientMessages)-matched)
		merged = append(merged, history...)
		merged = append(merged, clientMessages[matched:]...)
		return merged
	}

	// Client replay does not line up with the record at all. Trust the
	// record and accept only the client's last user turn.
	last := lastUserMessage(clientMessages)
	if last == nil {
		return history
	}
	merged := make([]domain.Message, 0, len(history)+1)
	merged = append(merged, history...)
	merged = append(merged, *last)
	return merged
}

// UpdateAuthoritativeHistory appends the turn that actually went
// upstream and the assistant response captured by the stream writeback,
// block lists preserved.
func (m *Manager) UpdateAuthoritativeHistory(scid string, sent []domain.Message, assistant domain.Message, lastSignature string) {
	st := m.get(scid)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	st.conv.History = append([]domain.Message(nil), sent...)
	if !assistant.IsEmpty() {
		st.conv.History = append(st.conv.History, assistant)
	}
	if lastSignature != "" {
		st.conv.LastSignature = lastSignature
	}
	st.conv.ExpiresAt = time.Now().Add(m.ttl)
	snapshot := *st.conv

	m.mu.RLock()
	mirror := m.mirror
	m.mu.RUnlock()
	if mirror != nil {
		if err := mirror.Save(&snapshot); err != nil {
			log.Printf("[Conversation] mirror save %s failed: %v", scid, err)
		}
	}
}

// CleanupExpired drops idle conversations.
func (m *Manager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for scid, st := range m.states {
		if now.After(st.conv.ExpiresAt) {
			delete(m.states, scid)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[Conversation] Cleaned up %d expired conversations", removed)
	}
}

// Len reports the number of live conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}

func (m *Manager) get(scid string) *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[scid]
}

func (m *Manager) upsert(scid string, clientType domain.ClientType) *state {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states[scid]; ok {
		return st
	}
	now := time.Now()
	if m.mirror != nil {
		if conv, err := m.mirror.Get(scid); err == nil && conv != nil && now.Before(conv.ExpiresAt) {
			st := &state{conv: conv}
			m.states[scid] = st
			return st
		}
	}
	st := &state{conv: &domain.ConversationState{
		SCID:       scid,
		ClientType: clientType,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
	}}
	m.states[scid] = st
	return st
}

// matchedPrefix counts how many leading client messages line up with
// the authoritative history. Comparison is by role and visible text:
// thinking blocks and signatures are exactly what clients mangle, so
// they are excluded from the match.
func matchedPrefix(history, client []domain.Message) int {
	n := len(history)
	if len(client) < n {
		n = len(client)
	}
	for i := 0; i < n; i++ {
		if !sameTurn(history[i], client[i]) {
			return i
		}
	}
	return n
}

func sameTurn(a, b domain.Message) bool {
	return a.Role == b.Role && visibleText(a) == visibleText(b)
}

func visibleText(msg domain.Message) string {
	var out string
	for _, block := range msg.Blocks {
		switch block.Type {
		case domain.BlockText:
			out += block.Text
		case domain.BlockToolUse:
			if block.ToolUse != nil {
				out += "\x00tool:" + block.ToolUse.Name
			}
		case domain.BlockToolResult:
			if block.ToolResult != nil {
				out += "\x00result"
			}
		}
	}
	return out
}

func lastUserMessage(messages []domain.Message) *domain.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return &messages[i]
		}
	}
	return nil
}
