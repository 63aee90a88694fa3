// Package pgstore keeps challenges in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shastrum/go-captchaguard"
)

var (
	createTableQuery = `
CREATE TABLE IF NOT EXISTS captcha_challenges (
	id       TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	salt     TEXT NOT NULL,
	digests  TEXT[] NOT NULL
)`
	upsertChallengeQuery = `
INSERT INTO captcha_challenges (id, question, salt, digests) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET question=EXCLUDED.question, salt=EXCLUDED.salt, digests=EXCLUDED.digests
`
	findChallengeQuery   = "SELECT id, question, salt, digests FROM captcha_challenges WHERE id=$1"
	randomChallengeQuery = "SELECT id, question, salt, digests FROM captcha_challenges ORDER BY random() LIMIT 1"
	deleteChallengeQuery = "DELETE FROM captcha_challenges WHERE id=$1"

	// Compile-time check for ensuring Repository implements captchaguard.Repository.
	_ captchaguard.Repository = (*Repository)(nil)
)

type challengeRow struct {
	ID       string         `db:"id"`
	Question string         `db:"question"`
	Salt     string         `db:"salt"`
	Digests  pq.StringArray `db:"digests"`
}

func (r challengeRow) challenge() *captchaguard.HashedChallenge {
	return &captchaguard.HashedChallenge{
		Key:      r.ID,
		Question: r.Question,
		Salt:     r.Salt,
		Digests:  []string(r.Digests),
	}
}

// Repository persists hashed challenges to a PostgreSQL database.
type Repository struct {
	db *sqlx.DB
}

// New connects to the database specified by dsn.
func New(dsn string) (*Repository, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Repository{db: db}, nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Close terminates the connection to the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Migrate creates the challenge table if it does not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTableQuery); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Put hashes the answers of ch with a fresh salt and upserts it.
func (r *Repository) Put(ctx context.Context, ch *captchaguard.TextChallenge) error {
	if ch.Key == "" {
		ch.Key = uuid.NewString()
	}
	return r.PutHashed(ctx, captchaguard.Hash(ch, uuid.NewString()))
}

// PutHashed upserts an already hashed challenge.
func (r *Repository) PutHashed(ctx context.Context, ch *captchaguard.HashedChallenge) error {
	_, err := r.db.ExecContext(ctx, upsertChallengeQuery, ch.Key, ch.Question, ch.Salt, pq.StringArray(ch.Digests))
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, deleteChallengeQuery, id); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

func (r *Repository) ByID(ctx context.Context, id string) (captchaguard.Challenge, error) {
	var row challengeRow
	if err := r.db.GetContext(ctx, &row, findChallengeQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("find challenge: %w", captchaguard.ErrChallengeNotFound)
		}
		return nil, fmt.Errorf("find challenge: %w", err)
	}
	return row.challenge(), nil
}

func (r *Repository) Random(ctx context.Context) (captchaguard.Challenge, error) {
	var row challengeRow
	if err := r.db.GetContext(ctx, &row, randomChallengeQuery); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, captchaguard.ErrNoChallenges
		}
		return nil, fmt.Errorf("random challenge: %w", err)
	}
	return row.challenge(), nil
}
