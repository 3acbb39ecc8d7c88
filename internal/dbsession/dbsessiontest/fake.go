// Package dbsessiontest provides an in-memory dbsession.Handle for
// executor and supervisor tests, so they never need a live Postgres
// connection.
package dbsessiontest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/weisyn/indexer/internal/dbsession"
)

// Fake is a dbsession.Handle backed by a plain map keyed on the exact SQL
// string the schema package would have generated. It enforces the same
// Idle/InTx state machine as the real Session so tests exercise the
// invariant, not just the happy path.
type Fake struct {
	mu      sync.Mutex
	state   dbsession.State
	objects map[string][]byte
	staged  map[string][]byte // writes pending the current transaction
	commits int
}

// NewFake builds an empty, Idle Fake.
func NewFake() *Fake {
	return &Fake{objects: make(map[string][]byte)}
}

func (f *Fake) State() dbsession.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) StartTransaction(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == dbsession.InTx {
		return errors.New("dbsessiontest: start_transaction called while already in a transaction")
	}
	f.state = dbsession.InTx
	f.staged = make(map[string][]byte)
	return nil
}

func (f *Fake) CommitTransaction(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != dbsession.InTx {
		return errors.New("dbsessiontest: commit_transaction called while idle")
	}
	for k, v := range f.staged {
		f.objects[k] = v
	}
	f.staged = nil
	f.state = dbsession.Idle
	f.commits++
	return nil
}

// CommitCount reports how many transactions have been committed, for
// tests asserting one-transaction-per-block behavior.
func (f *Fake) CommitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func (f *Fake) RevertTransaction(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != dbsession.InTx {
		return errors.New("dbsessiontest: revert_transaction called while idle")
	}
	f.staged = nil
	f.state = dbsession.Idle
	return nil
}

func (f *Fake) PutObject(_ context.Context, sql string, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != dbsession.InTx {
		return errors.New("dbsessiontest: put_object called outside a transaction")
	}
	f.staged[sql] = append([]byte(nil), blob...)
	return nil
}

func (f *Fake) GetObject(_ context.Context, sql string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != dbsession.InTx {
		return nil, false, errors.New("dbsessiontest: get_object called outside a transaction")
	}
	if v, ok := f.staged[sql]; ok {
		return v, true, nil
	}
	v, ok := f.objects[sql]
	return v, ok, nil
}

func (f *Fake) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == dbsession.InTx {
		return errors.New("dbsessiontest: release called with a transaction still open")
	}
	return nil
}
