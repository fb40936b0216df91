package store

import (
	"context"
	"sync"
)

// MemoryStore is the in-process store backend. Used by default and as
// the fallback when no ClickHouse cluster is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []*Record
	lastHash string
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lastHash: genesisHash}
}

// Append adds the record to the chain. The stored copy is private; later
// mutation of the caller's record cannot corrupt the store.
func (m *MemoryStore) Append(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrapErr("Append", ErrAppendFailed, ErrClosed)
	}

	cp := *record
	cp.PrevHash = m.lastHash
	cp.Hash = chainHash(cp.PrevHash, &cp)
	m.records = append(m.records, &cp)
	m.lastHash = cp.Hash

	record.PrevHash = cp.PrevHash
	record.Hash = cp.Hash
	return nil
}

// Query returns matching records most recent first.
func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("Query", ErrQueryFailed, ErrClosed)
	}

	var out []*Record
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if !filter.matches(r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the total number of stored records.
func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Verify checks the full hash chain.
func (m *MemoryStore) Verify() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return VerifyChain(m.records)
}

// Close marks the store closed; further appends and queries fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
