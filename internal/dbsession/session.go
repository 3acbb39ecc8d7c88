// Package dbsession implements the DB Session: a per-executor handle
// pinning at most one connection and at most one in-flight transaction
// (spec.md §4.3).
package dbsession

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// State is the DB Session's transactional state.
type State int

const (
	Idle State = iota
	InTx
)

func (s State) String() string {
	if s == InTx {
		return "in_tx"
	}
	return "idle"
}

// Handle is the DB Session capability surface the Host Bridge and
// Executor depend on. *Session is the Postgres-backed implementation;
// tests substitute an in-memory fake (see dbsessiontest) so executor and
// guest tests never need a live database.
type Handle interface {
	State() State
	StartTransaction(ctx context.Context) error
	CommitTransaction(ctx context.Context) error
	RevertTransaction(ctx context.Context) error
	PutObject(ctx context.Context, sql string, blob []byte) error
	GetObject(ctx context.Context, sql string) ([]byte, bool, error)
	Release() error
}

var _ Handle = (*Session)(nil)

// Session pins one connection from pool across a block's worth of
// writes and gates it behind a single transaction. A Session is owned
// exclusively by one executor (spec.md §3); it is not safe for
// concurrent use.
type Session struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	state State
	conn  *pgxpool.Conn
	tx    pgx.Tx
}

// New wraps pool in a fresh, Idle Session.
func New(pool *pgxpool.Pool) *Session {
	return &Session{pool: pool, state: Idle}
}

// State reports the session's current transactional state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartTransaction acquires a connection if none is stashed, begins a
// transaction, and advances to InTx. Fails if already InTx.
func (s *Session) StartTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == InTx {
		return errors.New("dbsession: start_transaction called while already in a transaction")
	}

	if s.conn == nil {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return errors.Wrap(err, "dbsession: acquire connection")
		}
		s.conn = conn
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "dbsession: begin transaction")
	}
	s.tx = tx
	s.state = InTx
	return nil
}

// CommitTransaction consumes the stashed transaction and returns to
// Idle. Fails if Idle.
func (s *Session) CommitTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != InTx {
		return errors.New("dbsession: commit_transaction called while idle")
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	s.state = Idle
	if err != nil {
		return errors.Wrap(err, "dbsession: commit transaction")
	}
	return nil
}

// RevertTransaction consumes the stashed transaction via rollback and
// returns to Idle. Fails if Idle. On error within InTx, only
// RevertTransaction (never any other path) is allowed to transition back
// to Idle (spec.md §4.3 invariant c).
func (s *Session) RevertTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != InTx {
		return errors.New("dbsession: revert_transaction called while idle")
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	s.state = Idle
	if err != nil {
		return errors.Wrap(err, "dbsession: rollback transaction")
	}
	return nil
}

// PutObject writes a column-ordered entity row. sql is a statement
// already generated by internal/schema.Map.UpsertSQL; blob is bound as
// its one parameter. Requires InTx.
func (s *Session) PutObject(ctx context.Context, sql string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != InTx {
		return errors.New("dbsession: put_object called outside a transaction")
	}
	if _, err := s.tx.Exec(ctx, sql, blob); err != nil {
		return errors.Wrap(err, "dbsession: put_object")
	}
	return nil
}

// GetObject fetches the most recently written blob for an entity. sql is
// a statement generated by internal/schema.Map.GetSQL. Requires InTx.
func (s *Session) GetObject(ctx context.Context, sql string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != InTx {
		return nil, false, errors.New("dbsession: get_object called outside a transaction")
	}
	var blob []byte
	err := s.tx.QueryRow(ctx, sql).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "dbsession: get_object")
	}
	return blob, true, nil
}

// Release returns the stashed connection to the pool. Call once the
// session will no longer be used, after the last transaction has been
// committed or reverted. A Session in InTx cannot be released — the
// caller must resolve the transaction first.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == InTx {
		return errors.New("dbsession: release called with a transaction still open")
	}
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
	return nil
}
