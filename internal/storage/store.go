// Package storage provides interfaces and implementations for persisting
// challenge records, ACL entries, and per-DID manifest sequence tracking.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/agentauth/agentauth-go/internal/model"
)

// Standard error values used across storage implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExpired indicates the record exists but its validity window,
	// including any grace, has passed. Treated as "gone" by callers that do
	// not need to distinguish.
	ErrExpired = errors.New("expired")
	// ErrConflict indicates the record already exists or the operation would
	// violate invariants.
	ErrConflict = errors.New("conflict")
)

// ChallengeStore manages the single-use challenge lifecycle. A challenge is
// consumed at most once; implementations must guard the used flag with
// compare-and-swap or mutex semantics.
type ChallengeStore interface {
	// PutChallenge inserts a fresh record. Overwriting an existing value is
	// ErrConflict; the handler avoids it by always using fresh randomness.
	PutChallenge(ctx context.Context, c model.Challenge) error
	// GetChallenge returns the record. ErrExpired once the expiry (plus the
	// store's grace) has passed, ErrNotFound when absent or reclaimed.
	GetChallenge(ctx context.Context, challenge string) (model.Challenge, error)
	// MarkChallengeUsed flips the used flag from false to true as a
	// compare-and-swap: exactly one of any number of concurrent callers
	// succeeds, the rest get ErrConflict. Missing records are ErrNotFound.
	MarkChallengeUsed(ctx context.Context, challenge string) error
	// CleanupChallenges removes expired records, returning how many.
	CleanupChallenges(ctx context.Context, now time.Time) (int, error)
}

// ACLStore persists per-DID authorization entries.
type ACLStore interface {
	GetEntry(ctx context.Context, did string) (model.ACLEntry, error)
	// SetEntry inserts or replaces the entry for its DID.
	SetEntry(ctx context.Context, entry model.ACLEntry) error
	// ListEntries returns all entries, filtered by status when non-empty.
	ListEntries(ctx context.Context, status string) ([]model.ACLEntry, error)
	DeleteEntry(ctx context.Context, did string) error
}

// SequenceStore tracks the highest accepted manifest sequence per DID,
// enforcing rollback protection.
type SequenceStore interface {
	// MaxSequence returns the highest accepted sequence, 0 when unknown.
	MaxSequence(ctx context.Context, did string) (int64, error)
	// UpdateSequence raises the stored sequence to seq. Monotonic: a lower
	// value never overwrites a higher one, even under concurrent updates.
	UpdateSequence(ctx context.Context, did string, seq int64) error
}

// Store aggregates all persistence the auth handler needs.
type Store interface {
	ChallengeStore
	ACLStore
	SequenceStore
	// Dispose releases background timers and in-memory state. Safe to call
	// more than once.
	Dispose()
}
