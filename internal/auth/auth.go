// Package auth is the narrow boundary to the authentication collaborator
// (spec.md §3 "Nonce and Token", §6): nonce issuance and consumption, and
// signed-token minting. The collaborator's own signing scheme is out of
// scope for this core; this package provides the interface the rest of
// the runtime depends on plus a minimal in-repo implementation good
// enough to run end to end (SPEC_FULL.md §1).
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Nonce is a random opaque string with an expiry, issued before a
// caller obtains a Token.
type Nonce struct {
	Value     string
	ExpiresAt time.Time
}

// Token is an opaque bearer credential bound to a subject.
type Token struct {
	Value   string
	Subject string
}

// Issuer issues nonces and exchanges a still-valid nonce for a token.
// IndexRevert's caller is expected to authenticate through this boundary
// before the Supervisor ever sees the request (spec.md §9 open question
// 3: revert authenticity is this collaborator's job, not re-verified by
// the core).
type Issuer interface {
	IssueNonce(ctx context.Context) (Nonce, error)
	RedeemNonce(ctx context.Context, value, subject string) (Token, error)
}

// PGIssuer persists nonces in the shared pool's `nonce` table
// (internal/asset/schema.sql) and mints tokens as fresh opaque UUIDs
// bound to the subject. It does not implement any particular signing
// scheme — a production deployment swaps this for a real token issuer
// behind the same Issuer interface.
type PGIssuer struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPGIssuer wraps pool with a default nonce lifetime.
func NewPGIssuer(pool *pgxpool.Pool, ttl time.Duration) *PGIssuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PGIssuer{pool: pool, ttl: ttl}
}

func (p *PGIssuer) IssueNonce(ctx context.Context) (Nonce, error) {
	n := Nonce{Value: uuid.NewString(), ExpiresAt: time.Now().Add(p.ttl)}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO nonce (value, expires_at) VALUES ($1, $2)`,
		n.Value, n.ExpiresAt)
	if err != nil {
		return Nonce{}, errors.Wrap(err, "auth: issue nonce")
	}
	return n, nil
}

func (p *PGIssuer) RedeemNonce(ctx context.Context, value, subject string) (Token, error) {
	var expiresAt time.Time
	err := p.pool.QueryRow(ctx, `
		DELETE FROM nonce WHERE value = $1 RETURNING expires_at`, value).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Token{}, errors.New("auth: unknown or already-redeemed nonce")
	}
	if err != nil {
		return Token{}, errors.Wrap(err, "auth: redeem nonce")
	}
	if time.Now().After(expiresAt) {
		return Token{}, errors.New("auth: nonce expired")
	}
	return Token{Value: uuid.NewString(), Subject: subject}, nil
}

var _ Issuer = (*PGIssuer)(nil)
