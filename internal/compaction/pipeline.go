// Package compaction orchestrates a single compaction cycle: rotating the
// MT-view and WAL, draining the frozen IMT through the SSTable engine,
// reinserting rejected-partition keys into the new WMT, and retiring the
// old WAL once durability is re-established in the new one. This is the
// ten-step algorithm from spec.md §4.3, grounded on the teacher's
// background compaction goroutine
// (_examples/return2faye-SiltKV/internal/lsm/compaction.go) generalized
// from its single-memtable flush loop into the view-ring rotation protocol
// the REMIX design requires.
package compaction

import (
	"bytes"
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/Kevin-Yang1/remixdb/internal/fatal"
	"github.com/Kevin-Yang1/remixdb/internal/memtable"
	"github.com/Kevin-Yang1/remixdb/internal/qsbr"
	"github.com/Kevin-Yang1/remixdb/internal/record"
	"github.com/Kevin-Yang1/remixdb/internal/table"
	"github.com/Kevin-Yang1/remixdb/internal/view"
	"github.com/Kevin-Yang1/remixdb/internal/wal"
)

// Pipeline drives one compaction cycle at a time against the shared
// engine state. The caller (the root package's background worker) is
// responsible for serializing calls to Run — this type does not itself
// run a loop or a timer.
type Pipeline struct {
	// Lock guards the MT-view ring and WAL rotation the same way the
	// source's engine spinlock does (§4.3 step 1, step 7): writers take it
	// around each update, and the two rotation steps take it around the
	// view and WAL swap. Reads do not take it; they load the current view
	// atomically.
	Lock sync.Locker

	Ring   *view.Ring
	Dom    *qsbr.Domain
	Wal    *wal.Wal
	Table  *table.Engine
	Logger *zap.Logger

	Workers        int
	CoPerWorker    int
	MaxRejectBytes int64
}

// New builds a Pipeline with spec-default concurrency (MaxRejectBytes =
// maxMtsz>>4, per §4.3 "= max_mtsz >> 4 by default") when the caller
// passes zero for it.
func New(lock sync.Locker, ring *view.Ring, dom *qsbr.Domain, w *wal.Wal, eng *table.Engine, logger *zap.Logger, maxMtsz int64, workers, coPerWorker int, maxRejectBytes int64) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRejectBytes <= 0 {
		maxRejectBytes = maxMtsz >> 4
	}
	return &Pipeline{
		Lock:           lock,
		Ring:           ring,
		Dom:            dom,
		Wal:            w,
		Table:          eng,
		Logger:         logger,
		Workers:        workers,
		CoPerWorker:    coPerWorker,
		MaxRejectBytes: maxRejectBytes,
	}
}

// Run executes one full compaction cycle (§4.3 steps 1-10). A fatal error
// at any step past the view rotation aborts the process via
// internal/fatal, matching §7 "Compaction error... treated as fatal under
// the current design".
func (p *Pipeline) Run(ctx context.Context) error {
	p.Lock.Lock()
	newVersionID := p.Table.CurrentVersionID() + 1
	retiredWalBytes, err := p.Wal.Switch(ctx, newVersionID)
	if err != nil {
		p.Lock.Unlock()
		return errors.Wrap(err, "compaction: rotate wal")
	}
	compactingView := p.Ring.AdvanceToCompacting()
	p.Lock.Unlock()

	// Step 2: quiesce until every reader has crossed the new generation.
	p.Dom.Wait(compactingView.Generation)

	// Step 3: pin the old SSTable version for the duration of this cycle.
	oldVersion := p.Table.Version()
	defer p.Table.PutV(oldVersion)

	// Step 4: drain IMT through the table engine.
	imtIter := compactingView.IMT.NewIteratorUnsafe()
	imtIter.Seek(nil)
	newVersion, err := p.Table.Compact(ctx, imtIter, p.Workers, p.CoPerWorker, p.MaxRejectBytes)
	if err != nil {
		fatal.Abort(errors.Wrap(err, "compaction: table compact"))
	}

	// Step 5: reinsert rejected-partition keys into the new WMT.
	if err := p.reinsertRejected(newVersion, compactingView.IMT, compactingView.WMT); err != nil {
		fatal.Abort(errors.Wrap(err, "compaction: reinsert rejected keys"))
	}

	// Step 6: flush the new WAL and enqueue its fsync without waiting yet.
	if err := p.Wal.FlushSync(); err != nil {
		fatal.Abort(errors.Wrap(err, "compaction: flush new wal"))
	}

	// Step 7: rotate the view back to normal and quiesce again.
	p.Lock.Lock()
	normalView := p.Ring.AdvanceToNormal()
	p.Lock.Unlock()
	p.Dom.Wait(normalView.Generation)

	// Step 8: clean the former IMT for reuse as the next WMT.
	compactingView.IMT.Clean()

	// Step 9: wait for the new-WAL fsync to actually land.
	if err := p.Wal.FlushSyncWait(); err != nil {
		fatal.Abort(errors.Wrap(err, "compaction: wait for new wal fsync"))
	}

	// Step 10: the old WAL is now provably redundant; zero and fdatasync it.
	if err := p.Wal.TruncateOld(); err != nil {
		fatal.Abort(errors.Wrap(err, "compaction: truncate old wal"))
	}

	p.Logger.Info("compaction cycle complete",
		zap.Uint64("version", newVersion.ID()),
		zap.Int64("retired_wal_bytes", retiredWalBytes),
	)
	return nil
}

// reinsertRejected walks the new version's anchor array (§4.3 step 5);
// for each rejected partition's key range it iterates the frozen IMT and,
// for every key still absent from the live WMT, appends it to the WAL and
// inserts it. A key already present in WMT is left untouched — the WMT
// value is strictly newer, since IMT is frozen and WMT is the only site
// of subsequent updates.
func (p *Pipeline) reinsertRejected(newVersion *table.Version, imt, wmt *memtable.Memtable) error {
	anchors := newVersion.Anchors()
	for i, a := range anchors {
		if a.Disposition != record.Rejected {
			continue
		}
		lo := a.Key
		var hi []byte
		if i+1 < len(anchors) {
			hi = anchors[i+1].Key
		}

		it := imt.NewIteratorUnsafe()
		it.Seek(lo)
		for it.Valid() {
			kref, rec := it.Kvref()
			if hi != nil && bytes.Compare(kref.Key, hi) >= 0 {
				break
			}
			if err := reinsertOne(p.Wal, wmt, kref, rec); err != nil {
				return err
			}
			it.Skip1()
		}
	}
	return nil
}

// reinsertOne performs the "only if absent" WAL-append-then-insert
// attempt under a single memtable lock acquisition, so a concurrent
// writer's Put/Merge on the same key can never interleave between the
// absence check and the insert.
func reinsertOne(w *wal.Wal, wmt *memtable.Memtable, kref record.Kref, rec record.Record) error {
	copied := rec.Clone()
	var walErr error
	_, err := wmt.Merge(kref, func(cur *record.Record) *record.Record {
		if cur != nil {
			return cur // present: WMT's value is newer, leave it alone
		}
		if walErr = w.Append(copied); walErr != nil {
			return cur // nil: leave absent, surface walErr to the caller
		}
		return &copied
	})
	if err != nil {
		return err
	}
	return walErr
}
