// Package remixdb implements an embedded, ordered key-value store on an
// LSM-tree with a REMIX-style range index: point get/probe, blind put,
// tombstone delete, atomic merge, ordered iteration, sync, and crash
// recovery (spec.md §1-§9). The public surface here is grounded on the
// teacher's pkg/kv wrapper
// (_examples/return2faye-SiltKV/pkg/kv/kv.go) and its internal/lsm.DB
// (_examples/return2faye-SiltKV/internal/lsm/db.go), generalized from a
// single-memtable, single-lock engine into the four-state view ring and
// REMIX SSTable engine this spec requires.
package remixdb

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Kevin-Yang1/remixdb/internal/compaction"
	"github.com/Kevin-Yang1/remixdb/internal/fatal"
	"github.com/Kevin-Yang1/remixdb/internal/memtable"
	"github.com/Kevin-Yang1/remixdb/internal/qsbr"
	"github.com/Kevin-Yang1/remixdb/internal/record"
	"github.com/Kevin-Yang1/remixdb/internal/table"
	"github.com/Kevin-Yang1/remixdb/internal/view"
	"github.com/Kevin-Yang1/remixdb/internal/wal"
)

// ErrClosed is returned by any operation attempted through a Handle whose
// DB has already been closed.
var ErrClosed = errors.New("remixdb: db is closed")

// DB is an open database. All exported state is reached through Handle;
// DB itself only exposes whole-database operations (Sync, Metrics,
// Close) and Handle creation.
type DB struct {
	opts Options

	// lock is the engine spinlock (§4.2, §4.3, §4.6): every view
	// rotation and every write path acquires it for the duration of its
	// critical section. Reads never take it — they observe the view
	// ring's current pointer atomically instead (§4.4 "never block
	// compaction").
	lock sync.Mutex

	dom  *qsbr.Domain
	ring *view.Ring
	wal  *wal.Wal
	tbl  *table.Engine
	pipe *compaction.Pipeline

	maxMtsz     int64
	maxWalBytes int64

	closeCh chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// Open opens (creating if necessary) the database rooted at opts.Dir,
// replaying its WAL against the persisted SSTable version and starting
// the background compaction worker (§9 recovery, §4.3).
func Open(opts Options) (*DB, error) {
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, errors.New("remixdb: Options.Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "remixdb: create dir")
	}
	fatal.SetLogger(opts.Logger)

	cores, mode, err := parseWorkerCores(opts.WorkerCores)
	if err != nil {
		return nil, err
	}
	workers := opts.NrWorkers
	if mode == "dont" {
		workers = 1
	}
	if mode == "list" {
		opts.Logger.Info("worker_cores list recorded (no CPU-affinity pinning applied)", zap.Ints("cores", cores))
	}

	dom := qsbr.NewDomain()
	a := memtable.New(dom)
	b := memtable.New(dom)
	ring := view.NewRing(a, b)

	w, err := wal.Open(opts.Dir)
	if err != nil {
		return nil, err
	}

	tbl, err := table.Open(opts.Dir, table.Options{Tags: opts.Tags, CKeys: opts.CKeys}, opts.Logger)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:        opts,
		dom:         dom,
		ring:        ring,
		wal:         w,
		tbl:         tbl,
		maxMtsz:     int64(opts.MtSizeMB) << 20,
		maxWalBytes: int64(opts.WalSizeMB) << 20,
		closeCh:     make(chan struct{}),
	}
	db.pipe = compaction.New(&db.lock, ring, dom, w, tbl, opts.Logger, db.maxMtsz, workers, opts.CoPerWorker, 0)

	if err := db.recover(); err != nil {
		return nil, err
	}

	db.wg.Add(1)
	go db.backgroundLoop()

	return db, nil
}

// recover replays the WAL into the initial WMT against the persisted
// SSTable version's generation (§9 "After a successful sync... all
// committed records are recoverable after an abrupt process exit").
// Per-record corruption halts replay of that file without aborting
// recovery (§7 "Corrupted WAL record on replay").
func (db *DB) recover() error {
	headVersion := db.tbl.CurrentVersionID()
	wmt := db.ring.Current().WMT
	apply := func(rec record.Record) error {
		wmt.Put(rec)
		return nil
	}
	if err := db.wal.Recover(headVersion, apply); err != nil {
		return errors.Wrap(err, "remixdb: wal recover")
	}
	return nil
}

func (db *DB) backgroundLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-db.closeCh:
			return
		case <-ticker.C:
			if db.isFull() {
				if err := db.pipe.Run(context.Background()); err != nil {
					db.opts.Logger.Error("background compaction failed", zap.Error(err))
				}
			}
		}
	}
}

// isFull reports mt_wal_full: either the active memtable or the current
// WAL file has crossed its configured cap (§4.2, §6).
func (db *DB) isFull() bool {
	v := db.ring.Current()
	return v.WMT.Size() >= db.maxMtsz || db.wal.CurrentSize() >= db.maxWalBytes
}

// waitForSpace blocks the caller in a bounded backoff loop while
// mt_wal_full, without itself triggering compaction — that is the
// background worker's job (§4.6 "On WMT full, the operation waits").
func (db *DB) waitForSpace() {
	delay := time.Millisecond
	for db.isFull() {
		time.Sleep(delay)
		if delay < 50*time.Millisecond {
			delay *= 2
		}
	}
}

// Sync acquires the engine spinlock and flushes+fsyncs the current WAL,
// waiting for completion (§4.6 "sync(): acquires spinlock,
// wal_flush_sync_wait, releases").
func (db *DB) Sync() error {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.wal.FlushSyncWait()
}

// Metrics exposes the engine's prometheus registry (§3 SUPPLEMENTED
// FEATURES "DB.Metrics()"): write/read amplification counters and
// accepted/rejected partition counts.
func (db *DB) Metrics() *prometheus.Registry {
	return db.tbl.Registry()
}

// Close stops the background compaction worker and closes the WAL and
// table engine.
func (db *DB) Close() error {
	db.lock.Lock()
	if db.closed {
		db.lock.Unlock()
		return nil
	}
	db.closed = true
	db.lock.Unlock()

	close(db.closeCh)
	db.wg.Wait()

	var firstErr error
	if err := db.tbl.Close(); err != nil {
		firstErr = err
	}
	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
