// Package executor implements the per-index Executor: the long-running
// task that pulls blocks from the node, invokes the guest on each batch,
// commits or rolls back, and observes a cancellation flag (spec.md §4.4).
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/weisyn/indexer/internal/asset"
	"github.com/weisyn/indexer/internal/dbsession"
	"github.com/weisyn/indexer/internal/hostbridge"
	"github.com/weisyn/indexer/internal/log"
	"github.com/weisyn/indexer/internal/manifest"
	"github.com/weisyn/indexer/internal/nodeclient"
	"github.com/weisyn/indexer/internal/schema"
)

// Phase is the executor's lifecycle state (spec.md §3).
type Phase int

const (
	Created Phase = iota
	Running
	Terminating
	Terminal
)

const (
	// MaxBatchBlocks bounds how many blocks are requested per fetch.
	MaxBatchBlocks = 50

	// IdleInterval is the sleep between fetch attempts when the node has
	// nothing new (not an error, just caught up).
	IdleInterval = 2 * time.Second
)

// Config gathers everything one Executor instance needs.
type Config struct {
	Manifest manifest.Manifest
	Schema   *schema.Map
	Version  string
	Guest    Guest
	Session  dbsession.Handle
	Node     nodeclient.Client
	Registry asset.Registry
	Logger   log.Logger

	IdleTimeout time.Duration // only consulted when Manifest.StopIdleIndexers; zero disables the idle stop
}

// Executor drives one index's block stream end to end.
type Executor struct {
	cfg Config
	uid manifest.UID

	killed atomic.Bool
	// stopSignal is closed exactly once, by Cancel, so idle sleeps can
	// select on it instead of polling (spec.md §5 "Cancellation").
	stopSignal chan struct{}
	stopOnce   sync.Once

	cursor atomic.Uint64
	phase  atomic.Int32

	done chan struct{} // closed when Run returns, for the Supervisor's retirement consumer
}

// New constructs an Executor in the Created phase. The initial cursor is
// computed here per spec.md §4.4 "Resumption": the last committed block +
// 1 when resumable and prior state exists, else the manifest's
// StartBlock (or 1).
func New(ctx context.Context, cfg Config) (*Executor, error) {
	uid := cfg.Manifest.UID()

	cursor := cfg.Manifest.EffectiveStartBlock()
	if cfg.Manifest.Resumable {
		if last, ok, err := cfg.Registry.LastCommittedBlock(ctx, uid); err != nil {
			return nil, err
		} else if ok {
			cursor = last + 1
		}
	}

	e := &Executor{
		cfg:        cfg,
		uid:        uid,
		stopSignal: make(chan struct{}),
		done:       make(chan struct{}),
	}
	e.cursor.Store(cursor)
	e.phase.Store(int32(Created))
	return e, nil
}

// UID returns the index identity this executor serves.
func (e *Executor) UID() manifest.UID { return e.uid }

// Phase reports the executor's current lifecycle state.
func (e *Executor) Phase() Phase { return Phase(e.phase.Load()) }

// Cursor reports the next block height this executor will request. It is
// safe to call from any goroutine.
func (e *Executor) Cursor() uint64 { return e.cursor.Load() }

// Cancel sets the monotonic cancellation flag. Once set, it never
// clears; the executor is guaranteed to reach Terminal within one batch
// plus one idle interval (spec.md §4.4, §5, invariant 3).
func (e *Executor) Cancel() {
	e.killed.Store(true)
	e.stopOnce.Do(func() { close(e.stopSignal) })
}

// Done returns a channel closed once the executor reaches Terminal, for
// the Supervisor's retirement consumer (spec.md §4.5 "Retirement").
func (e *Executor) Done() <-chan struct{} { return e.done }

// Run is the executor's control loop. It blocks until Terminal — either
// because Cancel was called, or (if Manifest.StopIdleIndexers) because
// the idle timeout elapsed. Run must be called exactly once, typically
// from its own goroutine spawned by the Supervisor.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.done)
	defer func() {
		if err := e.cfg.Guest.Close(ctx); err != nil {
			e.cfg.Logger.Warn("guest close failed", log.F("uid", e.uid.String()), log.F("error", err.Error()))
		}
		_ = e.cfg.Session.Release()
	}()

	e.phase.Store(int32(Running))
	logger := e.cfg.Logger.With(log.F("uid", e.uid.String()))

	var consecutiveIdle time.Duration
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second

	for {
		// 1. Observe the cancellation flag (spec.md §4.4 step 1).
		if e.killed.Load() {
			e.phase.Store(int32(Terminating))
			e.phase.Store(int32(Terminal))
			return
		}

		// 2. Fetch the next batch.
		cursor := e.cursor.Load()
		blocks, err := e.cfg.Node.FetchBlocks(ctx, cursor, MaxBatchBlocks)
		if err != nil {
			// Transport error: retryable, cursor untouched.
			logger.Warn("fetch blocks failed, backing off", log.F("cursor", cursor), log.F("error", err.Error()))
			if !e.sleep(bo.NextBackOff()) {
				e.finish()
				return
			}
			continue
		}

		if len(blocks) == 0 {
			if e.cfg.Manifest.StopIdleIndexers {
				consecutiveIdle += IdleInterval
				if e.cfg.IdleTimeout > 0 && consecutiveIdle >= e.cfg.IdleTimeout {
					logger.Info("idle timeout elapsed, stopping", log.F("cursor", cursor))
					e.finish()
					return
				}
			}
			if !e.sleep(IdleInterval) {
				e.finish()
				return
			}
			continue
		}
		consecutiveIdle = 0
		bo.Reset()

		// Each fetched block gets its own transaction (spec.md §4.3
		// invariant (a), §8 invariant 1): a fault on block N must not
		// roll back blocks already committed earlier in this same fetch.
		for _, block := range blocks {
			if e.killed.Load() {
				break
			}
			if err := e.processBlock(ctx, block, logger); err != nil {
				logger.Error("block processing error", log.F("block_height", block.Height), log.F("error", err.Error()))
			}
		}
	}
}

func (e *Executor) finish() {
	e.phase.Store(int32(Terminating))
	e.phase.Store(int32(Terminal))
}

// sleep blocks for d, or returns early (reporting false) if Cancel is
// called during the sleep — keeping the idle/backoff wait interruptible
// (spec.md §4.4 "Cancellation").
func (e *Executor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.stopSignal:
		return false
	}
}

// processBlock runs steps 3-6 of the control loop for exactly one block:
// start_transaction, guest invocation, commit-or-revert, and cursor
// advancement. Scoping the transaction to a single block (rather than
// the whole fetched batch) means a fault on block N can never roll back
// blocks already committed earlier in the same fetch (spec.md §8
// scenario 3).
func (e *Executor) processBlock(ctx context.Context, block nodeclient.Block, logger log.Logger) error {
	if err := e.cfg.Session.StartTransaction(ctx); err != nil {
		return err
	}

	bc := &hostbridge.BlockContext{
		UID:     e.uid,
		Version: e.cfg.Version,
		Session: e.cfg.Session,
		Schema:  e.cfg.Schema,
		Logger:  e.cfg.Logger,
	}

	runErr := e.cfg.Guest.RunBatch(ctx, []nodeclient.Block{block}, bc)

	if runErr == nil {
		if err := e.cfg.Session.CommitTransaction(ctx); err != nil {
			return err
		}
		e.cursor.Store(block.Height + 1)
		return e.cfg.Registry.RecordCommittedBlock(ctx, e.uid, block.Height)
	}

	// Guest fault: revert, log with block height, then either advance
	// past the single poisoned block (default) or stop entirely if the
	// manifest asked for fail-fast (spec.md §9, open question 1).
	if err := e.cfg.Session.RevertTransaction(ctx); err != nil {
		return err
	}
	logger.Error("guest fault, block reverted",
		log.F("block_height", block.Height), log.F("error", runErr.Error()))

	if e.cfg.Manifest.FailFast {
		e.Cancel()
		return runErr
	}

	// Advance past the poisoned block to prevent infinite retry on a
	// deterministically failing block.
	e.cursor.Store(block.Height + 1)
	return nil
}
