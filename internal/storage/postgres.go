package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/agentauth/agentauth-go/internal/model"
)

// postgres implements Store on PostgreSQL. Challenge single-use and sequence
// monotonicity are pushed into the SQL layer (conditional UPDATE and
// GREATEST) so the contracts hold across replicas.
type postgres struct {
	db    *sql.DB
	grace time.Duration
}

const pgOpTimeout = 10 * time.Second

// NewPostgres opens a pooled connection and verifies it. grace matches the
// in-memory store's retention of expired challenges.
func NewPostgres(dsn string, grace time.Duration) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &postgres{db: db, grace: grace}, nil
}

// DB exposes the pool for readiness pings and migrations.
func (p *postgres) DB() *sql.DB { return p.db }

// Dispose closes the connection pool.
func (p *postgres) Dispose() { _ = p.db.Close() }

func (p *postgres) PutChallenge(ctx context.Context, c model.Challenge) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	const q = `INSERT INTO challenges (challenge, did, expires_at, used) VALUES ($1, $2, $3, FALSE) ON CONFLICT DO NOTHING`
	res, err := p.db.ExecContext(ctx, q, c.Challenge, c.DID, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrConflict
	}
	return nil
}

func (p *postgres) GetChallenge(ctx context.Context, challenge string) (model.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	const q = `SELECT challenge, did, expires_at, used FROM challenges WHERE challenge = $1`
	var c model.Challenge
	err := p.db.QueryRowContext(ctx, q, challenge).Scan(&c.Challenge, &c.DID, &c.ExpiresAt, &c.Used)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Challenge{}, ErrNotFound
		}
		return model.Challenge{}, fmt.Errorf("query challenge: %w", err)
	}
	if time.Now().After(c.ExpiresAt.Add(p.grace)) {
		return model.Challenge{}, ErrExpired
	}
	return c, nil
}

func (p *postgres) MarkChallengeUsed(ctx context.Context, challenge string) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	// Compare-and-swap on the used flag: the conditional UPDATE lets at
	// most one of any number of racing verifies consume the challenge.
	const q = `UPDATE challenges SET used = TRUE WHERE challenge = $1 AND used = FALSE`
	res, err := p.db.ExecContext(ctx, q, challenge)
	if err != nil {
		return fmt.Errorf("mark challenge used: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Lost the swap or the record never existed; look once to tell the
		// two apart.
		const probe = `SELECT used FROM challenges WHERE challenge = $1`
		var used bool
		switch err := p.db.QueryRowContext(ctx, probe, challenge).Scan(&used); err {
		case nil:
			return ErrConflict
		case sql.ErrNoRows:
			return ErrNotFound
		default:
			return fmt.Errorf("probe challenge: %w", err)
		}
	}
	return nil
}

func (p *postgres) CleanupChallenges(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	const q = `DELETE FROM challenges WHERE expires_at < $1`
	res, err := p.db.ExecContext(ctx, q, now.Add(-p.grace))
	if err != nil {
		return 0, fmt.Errorf("cleanup challenges: %w", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func (p *postgres) GetEntry(ctx context.Context, did string) (model.ACLEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	const q = `SELECT did, status, manifest_sequence, registered_at, updated_at, reason, metadata FROM acl_entries WHERE did = $1`
	var e model.ACLEntry
	var metadataBytes []byte
	err := p.db.QueryRowContext(ctx, q, did).Scan(&e.DID, &e.Status, &e.ManifestSequence, &e.RegisteredAt, &e.UpdatedAt, &e.Reason, &metadataBytes)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.ACLEntry{}, ErrNotFound
		}
		return model.ACLEntry{}, fmt.Errorf("query acl entry: %w", err)
	}
	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &e.Metadata); err != nil {
			return model.ACLEntry{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return e, nil
}

func (p *postgres) SetEntry(ctx context.Context, entry model.ACLEntry) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	metadataBytes, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	const q = `INSERT INTO acl_entries (did, status, manifest_sequence, registered_at, updated_at, reason, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (did) DO UPDATE SET status = $2, manifest_sequence = $3, updated_at = $5, reason = $6, metadata = $7`
	if _, err := p.db.ExecContext(ctx, q, entry.DID, entry.Status, entry.ManifestSequence, entry.RegisteredAt, entry.UpdatedAt, entry.Reason, metadataBytes); err != nil {
		return fmt.Errorf("upsert acl entry: %w", err)
	}
	return nil
}

func (p *postgres) ListEntries(ctx context.Context, status string) ([]model.ACLEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	q := `SELECT did, status, manifest_sequence, registered_at, updated_at, reason, metadata FROM acl_entries`
	args := []any{}
	if status != "" {
		q += ` WHERE status = $1`
		args = append(args, status)
	}
	q += ` ORDER BY registered_at ASC`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list acl entries: %w", err)
	}
	defer rows.Close()

	var out []model.ACLEntry
	for rows.Next() {
		var e model.ACLEntry
		var metadataBytes []byte
		if err := rows.Scan(&e.DID, &e.Status, &e.ManifestSequence, &e.RegisteredAt, &e.UpdatedAt, &e.Reason, &metadataBytes); err != nil {
			return nil, fmt.Errorf("scan acl entry: %w", err)
		}
		if len(metadataBytes) > 0 {
			if err := json.Unmarshal(metadataBytes, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *postgres) DeleteEntry(ctx context.Context, did string) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	const q = `DELETE FROM acl_entries WHERE did = $1`
	res, err := p.db.ExecContext(ctx, q, did)
	if err != nil {
		return fmt.Errorf("delete acl entry: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) MaxSequence(ctx context.Context, did string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	const q = `SELECT sequence FROM manifest_sequences WHERE did = $1`
	var seq int64
	err := p.db.QueryRowContext(ctx, q, did).Scan(&seq)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("query sequence: %w", err)
	}
	return seq, nil
}

func (p *postgres) UpdateSequence(ctx context.Context, did string, seq int64) error {
	ctx, cancel := context.WithTimeout(ctx, pgOpTimeout)
	defer cancel()

	// GREATEST keeps the mapping monotonic when two verifies race.
	const q = `INSERT INTO manifest_sequences (did, sequence) VALUES ($1, $2)
        ON CONFLICT (did) DO UPDATE SET sequence = GREATEST(manifest_sequences.sequence, $2)`
	if _, err := p.db.ExecContext(ctx, q, did, seq); err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	return nil
}
