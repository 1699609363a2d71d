package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryAdapter is an in-memory rule and blacklist storage.
type MemoryAdapter struct {
	mu        sync.RWMutex
	rules     map[string]struct{}
	blacklist map[string]string
}

// NewMemoryAdapter creates a memory storage adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		rules:     make(map[string]struct{}),
		blacklist: make(map[string]string),
	}
}

func (m *MemoryAdapter) AddRule(_ context.Context, rule string) error {
	m.mu.Lock()
	m.rules[rule] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryAdapter) RemoveRule(_ context.Context, rule string) error {
	m.mu.Lock()
	delete(m.rules, rule)
	m.mu.Unlock()
	return nil
}

// GetRules returns rules in sorted order.
func (m *MemoryAdapter) GetRules(_ context.Context) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.rules))
	for rule := range m.rules {
		out = append(out, rule)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (m *MemoryAdapter) RuleExists(_ context.Context, rule string) (bool, error) {
	m.mu.RLock()
	_, ok := m.rules[rule]
	m.mu.RUnlock()
	return ok, nil
}

// AddBlacklist adds userID or updates its reason.
func (m *MemoryAdapter) AddBlacklist(_ context.Context, userID, reason string) error {
	m.mu.Lock()
	m.blacklist[userID] = reason
	m.mu.Unlock()
	return nil
}

func (m *MemoryAdapter) RemoveBlacklist(_ context.Context, userID string) error {
	m.mu.Lock()
	delete(m.blacklist, userID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryAdapter) GetBlacklist(_ context.Context) ([]string, error) {
	m.mu.RLock()
	out := make([]string, 0, len(m.blacklist))
	for id := range m.blacklist {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// BlacklistReason returns the stored reason for userID.
func (m *MemoryAdapter) BlacklistReason(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.blacklist[userID]
	return r, ok
}
