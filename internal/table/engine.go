package table

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Kevin-Yang1/remixdb/internal/record"
)

// Options configures the on-disk format of newly written partitions (spec §6 "Configuration").
type Options struct {
	Tags  bool
	CKeys bool
}

// RecordIterator is the minimal surface engine.Compact needs from the
// drained IMT: an ordered walk of its live entries. *memtable.Iterator
// satisfies this directly.
type RecordIterator interface {
	Valid() bool
	Peek() (record.Record, bool)
	Skip1()
}

// Engine is the REMIX-style SSTable engine consumed by the core through
// the contract in spec §4.5: open/getv/putv/compact/version/logfd/
// stat_writes/stat_reads.
type Engine struct {
	dir    string
	opts   Options
	logger *zap.Logger

	cur    atomic.Pointer[Version]
	nextID atomic.Uint64

	compactLog *os.File
	compactLogger *zap.Logger

	registry    *prometheus.Registry
	writesCtr   prometheus.Counter
	readsCtr    prometheus.Counter
	acceptedCtr prometheus.Counter
	rejectedCtr prometheus.Counter
}

// Open loads the persisted version from dir (if any) and returns a ready
// engine (spec §4.5 "open(dir) -> version"). A fresh directory opens
// with an empty, zero-partition version.
func Open(dir string, opts Options, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{dir: dir, opts: opts, logger: logger}
	e.initMetrics()

	if err := e.openCompactionLog(); err != nil {
		return nil, err
	}

	vf, ok, err := loadHead(dir)
	if err != nil {
		return nil, err
	}
	if !ok {
		fresh := &Version{id: 0, onRelease: e.releaseVersion, reads: e.readsCtr}
		fresh.Ref() // held by e.cur until a later Compact swaps it out
		e.cur.Store(fresh)
		e.nextID.Store(1)
		return e, nil
	}

	v := &Version{id: vf.ID, onRelease: e.releaseVersion, reads: e.readsCtr}
	for _, pm := range vf.Partitions {
		p := &partition{
			anchor:      pm.Anchor,
			end:         pm.End,
			file:        filepath.Join(dir, pm.File),
			disposition: pm.Disposition,
		}
		if err := p.load(); err != nil {
			return nil, err
		}
		v.partitions = append(v.partitions, p)
	}
	v.Ref() // held by e.cur until a later Compact swaps it out
	e.cur.Store(v)
	e.nextID.Store(vf.ID + 1)
	return e, nil
}

func (e *Engine) initMetrics() {
	e.registry = prometheus.NewRegistry()
	e.writesCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remixdb_table_writes_total",
		Help: "Records written into new SSTable partitions during compaction.",
	})
	e.readsCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remixdb_table_reads_total",
		Help: "Point and range reads served from SSTable versions.",
	})
	e.acceptedCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remixdb_table_partitions_accepted_total",
		Help: "Partitions rewritten (accepted) by compaction.",
	})
	e.rejectedCtr = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remixdb_table_partitions_rejected_total",
		Help: "Partitions left unchanged (rejected) by compaction.",
	})
	e.registry.MustRegister(e.writesCtr, e.readsCtr, e.acceptedCtr, e.rejectedCtr)
}

func (e *Engine) openCompactionLog() error {
	f, err := os.OpenFile(filepath.Join(e.dir, "compaction.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "table: open compaction.log")
	}
	e.compactLog = f
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(f),
		zapcore.InfoLevel,
	)
	e.compactLogger = zap.New(core)
	return nil
}

// Registry exposes the engine's prometheus registry (DB.Metrics(), §3
// SUPPLEMENTED FEATURES).
func (e *Engine) Registry() *prometheus.Registry { return e.registry }

// StatWrites and StatReads are the write/read amplification observability
// counters required by §4.5.
func (e *Engine) StatWrites() prometheus.Counter { return e.writesCtr }
func (e *Engine) StatReads() prometheus.Counter   { return e.readsCtr }

// Version returns the live version, reference-counted for the caller
// (§4.5 "engine.getv").
func (e *Engine) Version() *Version {
	v := e.cur.Load()
	v.Ref()
	return v
}

// PutV drops a held version reference (§4.5 "engine.putv").
func (e *Engine) PutV(v *Version) {
	v.Unref()
}

// CurrentVersionID returns the numeric id of the live version (§4.5
// "engine.version()").
func (e *Engine) CurrentVersionID() uint64 {
	return e.cur.Load().id
}

// LogFD exposes the compaction diagnostic log file (§4.5 "engine.logfd()").
func (e *Engine) LogFD() *os.File { return e.compactLog }

// releaseVersion runs once a version's refcount reaches zero. Rejected
// partitions' files are shared with the superseding version and must
// never be removed here; accepted partitions' files belong solely to
// this version. This port leaves those files on disk rather than
// unlinking them (see DESIGN.md) — physical reclamation is an optional
// hardening step the spec does not require to happen synchronously with
// Unref.
func (e *Engine) releaseVersion(v *Version) {
	_ = v
}

// Compact is the compaction entry point described in §4.3 step 4 and
// contracted in §4.5: it partitions the key range by the live version's
// existing anchors, merges IMT keys into each partition, and for each
// partition decides accept (rewrite) or reject (leave on disk, signal
// the key range back to the caller via the new version's Anchors()).
// A partition is rejected while the total size of the IMT records routed
// back to the caller stays within maxRejectBytes; a budget of zero or
// less rejects nothing. workers bounds concurrent partition rewrites; coPerWorker bounds the
// cooperative-task semaphore each worker acquires around its own
// rewrite (§2 DOMAIN STACK, golang.org/x/sync/errgroup+semaphore).
func (e *Engine) Compact(ctx context.Context, imtIter RecordIterator, workers, coPerWorker int, maxRejectBytes int64) (*Version, error) {
	old := e.Version()
	defer e.PutV(old)

	oldPartitions := old.partitions
	if len(oldPartitions) == 0 {
		// Fresh database: synthesize the single -inf..+inf partition,
		// local to this compaction — old is the shared live Version and
		// must not be mutated in place.
		oldPartitions = []*partition{{anchor: []byte{}}}
	}

	imtByPartition := e.bucketIMT(oldPartitions, imtIter)

	newID := e.nextID.Add(1) - 1
	newPartitions := make([]*partition, len(oldPartitions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(workers, 1))
	sem := semaphore.NewWeighted(int64(maxInt(coPerWorker, 1)))

	var rejectedBudget int64

	for i, p := range oldPartitions {
		i, p := i, p
		imtRecs := imtByPartition[i]

		if len(imtRecs) == 0 {
			// Untouched: carry the old partition forward unchanged.
			newPartitions[i] = &partition{
				anchor: p.anchor, end: p.end, file: p.file,
				disposition: record.Accepted, records: p.records, tagIndex: p.tagIndex,
			}
			continue
		}

		var imtBytes int64
		for _, r := range imtRecs {
			imtBytes += int64(r.Size())
		}
		if rejectedBudget+imtBytes <= maxRejectBytes {
			rejectedBudget += imtBytes
			newPartitions[i] = &partition{
				anchor: p.anchor, end: p.end, file: p.file,
				disposition: record.Rejected, records: p.records, tagIndex: p.tagIndex,
			}
			e.rejectedCtr.Inc()
			continue
		}

		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			merged := mergePartition(p.records, imtRecs)
			outPath := filepath.Join(e.dir, partitionFileName(newID, i))
			if err := writePartitionFile(outPath, merged, e.opts.Tags, e.opts.CKeys); err != nil {
				return err
			}
			np := &partition{anchor: p.anchor, end: p.end, file: outPath, disposition: record.Accepted}
			if err := np.load(); err != nil {
				return err
			}
			newPartitions[i] = np
			e.writesCtr.Add(float64(len(merged)))
			e.acceptedCtr.Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "table: compaction failed")
	}

	versionPath, err := writeVersionFile(e.dir, newID, newPartitions)
	if err != nil {
		return nil, err
	}
	if err := publishHead(e.dir, versionPath); err != nil {
		return nil, err
	}

	nv := &Version{id: newID, partitions: newPartitions, onRelease: e.releaseVersion, reads: e.readsCtr}
	nv.Ref() // held by e.cur until a later Compact swaps it out
	old2 := e.cur.Swap(nv)
	old2.Unref() // drop the reference e.cur held on the outgoing version

	e.compactLogger.Info("compaction complete",
		zap.Uint64("version", newID),
		zap.Int("partitions", len(newPartitions)),
		zap.Int64("rejected_bytes", rejectedBudget),
	)

	return nv, nil
}

// bucketIMT walks the (already-sorted) IMT iterator once, partitioning
// its live entries by which of parts' ranges their key falls in.
func (e *Engine) bucketIMT(parts []*partition, it RecordIterator) [][]record.Record {
	buckets := make([][]record.Record, len(parts))
	for it.Valid() {
		rec, _ := it.Peek()
		idx := sort.Search(len(parts), func(i int) bool {
			return bytes.Compare(parts[i].anchor, rec.Key) > 0
		}) - 1
		if idx < 0 {
			idx = 0
		}
		buckets[idx] = append(buckets[idx], rec)
		it.Skip1()
	}
	return buckets
}

// mergePartition combines an old partition's records with the IMT
// records landing in its range: IMT always wins on key collision
// (newer), and tombstones are dropped rather than carried forward since
// this engine keeps only one live version (no deeper level for a
// tombstone to still be shadowing).
func mergePartition(old, fresh []record.Record) []record.Record {
	freshByKey := make(map[string]record.Record, len(fresh))
	for _, r := range fresh {
		freshByKey[string(r.Key)] = r
	}

	out := make([]record.Record, 0, len(old)+len(fresh))
	seen := make(map[string]bool, len(fresh))
	for _, r := range old {
		if nr, ok := freshByKey[string(r.Key)]; ok {
			if !nr.Tombstone {
				out = append(out, nr)
			}
			seen[string(r.Key)] = true
			continue
		}
		out = append(out, r)
	}
	for _, r := range fresh {
		if seen[string(r.Key)] || r.Tombstone {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

func partitionFileName(versionID uint64, partitionIdx int) string {
	return fileNamePrefix(versionID) + "-" + fileNamePrefix(uint64(partitionIdx)) + ".sstx"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Close flushes the compaction log.
func (e *Engine) Close() error {
	if e.compactLog != nil {
		return e.compactLog.Close()
	}
	return nil
}
