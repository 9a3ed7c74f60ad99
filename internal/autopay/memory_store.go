package autopay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// defaultHistoryLimit caps HistorySince results when the caller passes 0.
const defaultHistoryLimit = 500

// MemoryStore is an in-memory Store for demo/development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]*Settings           // identity
	quotas   map[string]map[string]*Quota   // identity -> peer
	rules    map[string][]*Rule             // identity, kept ordered
	history  map[string][]*HistoryEntry     // identity, append order
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[string]*Settings),
		quotas:   make(map[string]map[string]*Quota),
		rules:    make(map[string][]*Rule),
		history:  make(map[string][]*HistoryEntry),
	}
}

func (m *MemoryStore) GetSettings(ctx context.Context, identity string) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[identity]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) PutSettings(ctx context.Context, identity string, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.UpdatedAt = time.Now()
	m.settings[identity] = &cp
	return nil
}

func (m *MemoryStore) GetQuota(ctx context.Context, identity, peerPubkey string) (*Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotas[identity][peerPubkey]
	if !ok {
		return nil, ErrQuotaNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *MemoryStore) ListQuotas(ctx context.Context, identity string) ([]*Quota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Quota
	for _, q := range m.quotas[identity] {
		cp := *q
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PeerPubkey < result[j].PeerPubkey })
	return result, nil
}

func (m *MemoryStore) PutQuota(ctx context.Context, identity string, q *Quota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quotas[identity] == nil {
		m.quotas[identity] = make(map[string]*Quota)
	}
	cp := *q
	cp.UpdatedAt = time.Now()
	m.quotas[identity][q.PeerPubkey] = &cp
	return nil
}

func (m *MemoryStore) DeleteQuota(ctx context.Context, identity, peerPubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.quotas[identity][peerPubkey]; !ok {
		return ErrQuotaNotFound
	}
	delete(m.quotas[identity], peerPubkey)
	return nil
}

func (m *MemoryStore) GetRule(ctx context.Context, identity, ruleID string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules[identity] {
		if r.ID == ruleID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRuleNotFound
}

func (m *MemoryStore) ListRules(ctx context.Context, identity string) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Rule, 0, len(m.rules[identity]))
	for _, r := range m.rules[identity] {
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) PutRule(ctx context.Context, identity string, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.UpdatedAt = time.Now()
	for i, existing := range m.rules[identity] {
		if existing.ID == r.ID {
			cp.Position = existing.Position
			m.rules[identity][i] = &cp
			return nil
		}
	}
	cp.Position = len(m.rules[identity])
	m.rules[identity] = append(m.rules[identity], &cp)
	return nil
}

func (m *MemoryStore) DeleteRule(ctx context.Context, identity, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := m.rules[identity]
	for i, r := range rules {
		if r.ID == ruleID {
			m.rules[identity] = append(rules[:i], rules[i+1:]...)
			for pos, rest := range m.rules[identity] {
				rest.Position = pos
			}
			return nil
		}
	}
	return ErrRuleNotFound
}

func (m *MemoryStore) ReorderRules(ctx context.Context, identity string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.rules[identity]
	if len(ids) != len(current) {
		return fmt.Errorf("autopay: reorder must name all %d rules, got %d", len(current), len(ids))
	}

	byID := make(map[string]*Rule, len(current))
	for _, r := range current {
		byID[r.ID] = r
	}

	reordered := make([]*Rule, 0, len(ids))
	for pos, id := range ids {
		r, ok := byID[id]
		if !ok {
			return fmt.Errorf("autopay: reorder references unknown rule %q", id)
		}
		delete(byID, id)
		r.Position = pos
		reordered = append(reordered, r)
	}

	m.rules[identity] = reordered
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, identity string, e *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.history[identity] = append(m.history[identity], &cp)
	return nil
}

func (m *MemoryStore) HistorySince(ctx context.Context, identity string, since time.Time, limit int) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var result []*HistoryEntry
	entries := m.history[identity]
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		if entries[i].Timestamp.Before(since) {
			continue
		}
		cp := *entries[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) SpentSince(ctx context.Context, identity string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.history[identity] {
		if e.Approved && !e.Timestamp.Before(since) {
			total += e.AmountSats
		}
	}
	return total, nil
}
