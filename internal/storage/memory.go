package storage

import (
	"context"
	"sync"
	"time"

	"github.com/agentauth/agentauth-go/internal/model"
)

// Memory is the reference in-memory Store. Safe for concurrent use; a
// background reclaim loop sweeps expired challenges so long-lived processes
// do not accumulate dead records.
type Memory struct {
	mu         sync.RWMutex
	challenges map[string]model.Challenge
	entries    map[string]model.ACLEntry
	sequences  map[string]int64

	grace time.Duration
	done  chan struct{}
	once  sync.Once
}

// MemoryOptions tunes the in-memory store.
type MemoryOptions struct {
	// Grace keeps an expired challenge visible to GetChallenge (as
	// ErrExpired rather than ErrNotFound) for this long past expiry, so the
	// handler can report ExpiredChallenge instead of a generic miss. Clock
	// skew allowances are applied by the handler, not here.
	Grace time.Duration
	// ReclaimInterval is the sweep cadence. 60s when zero.
	ReclaimInterval time.Duration
}

// NewMemory returns a Store backed by process memory.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Minute
	}
	m := &Memory{
		challenges: make(map[string]model.Challenge),
		entries:    make(map[string]model.ACLEntry),
		sequences:  make(map[string]int64),
		grace:      opts.Grace,
		done:       make(chan struct{}),
	}
	go m.reclaimLoop(opts.ReclaimInterval)
	return m
}

func (m *Memory) reclaimLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = m.CleanupChallenges(context.Background(), time.Now())
		case <-m.done:
			return
		}
	}
}

// Dispose stops the reclaim loop and clears all state.
func (m *Memory) Dispose() {
	m.once.Do(func() { close(m.done) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges = make(map[string]model.Challenge)
	m.entries = make(map[string]model.ACLEntry)
	m.sequences = make(map[string]int64)
}

// PutChallenge inserts a fresh challenge record.
func (m *Memory) PutChallenge(ctx context.Context, c model.Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.challenges[c.Challenge]; exists {
		return ErrConflict
	}
	m.challenges[c.Challenge] = c
	return nil
}

// GetChallenge returns the record, ErrExpired past expiry+grace, or
// ErrNotFound.
func (m *Memory) GetChallenge(ctx context.Context, challenge string) (model.Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.challenges[challenge]
	if !ok {
		return model.Challenge{}, ErrNotFound
	}
	if time.Now().After(c.ExpiresAt.Add(m.grace)) {
		return model.Challenge{}, ErrExpired
	}
	return c, nil
}

// MarkChallengeUsed flips the used flag from false to true. The check and
// set happen under one lock, so of any number of racing callers exactly one
// succeeds; the rest get ErrConflict. Missing records are ErrNotFound.
func (m *Memory) MarkChallengeUsed(ctx context.Context, challenge string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[challenge]
	if !ok {
		return ErrNotFound
	}
	if c.Used {
		return ErrConflict
	}
	c.Used = true
	m.challenges[challenge] = c
	return nil
}

// CleanupChallenges removes records past expiry+grace.
func (m *Memory) CleanupChallenges(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, c := range m.challenges {
		if now.After(c.ExpiresAt.Add(m.grace)) {
			delete(m.challenges, k)
			removed++
		}
	}
	return removed, nil
}

// GetEntry retrieves the ACL entry for a DID.
func (m *Memory) GetEntry(ctx context.Context, did string) (model.ACLEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[did]
	if !ok {
		return model.ACLEntry{}, ErrNotFound
	}
	return e, nil
}

// SetEntry inserts or replaces the entry keyed by its DID.
func (m *Memory) SetEntry(ctx context.Context, entry model.ACLEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.DID] = entry
	return nil
}

// ListEntries returns entries, optionally filtered by status.
func (m *Memory) ListEntries(ctx context.Context, status string) ([]model.ACLEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ACLEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteEntry removes the entry for a DID. Missing entries are ErrNotFound.
func (m *Memory) DeleteEntry(ctx context.Context, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[did]; !ok {
		return ErrNotFound
	}
	delete(m.entries, did)
	return nil
}

// MaxSequence returns the highest accepted sequence for a DID, 0 if unknown.
func (m *Memory) MaxSequence(ctx context.Context, did string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sequences[did], nil
}

// UpdateSequence raises the stored sequence; lower values are ignored so the
// mapping is monotonic under concurrent racers.
func (m *Memory) UpdateSequence(ctx context.Context, did string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.sequences[did] {
		m.sequences[did] = seq
	}
	return nil
}
