package remixdb

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Options configures Open (spec §6 "Configuration (open call)"). Fields
// left at their zero value are defaulted by setDefaults.
type Options struct {
	// Dir holds all persistent state: the WAL pair, SSTable partitions,
	// and version manifests (§6 "On-disk layout").
	Dir string

	// CacheSizeMB budgets the SSTable block cache. This port loads whole
	// partitions into memory on open rather than maintaining a separate
	// block cache (see DESIGN.md), so the value is accepted and recorded
	// but does not yet bound a distinct cache structure.
	CacheSizeMB int

	// MtSizeMB is the target max memtable size in megabytes; crossing it
	// marks the engine mt_wal_full and triggers the background compactor.
	MtSizeMB int

	// WalSizeMB is the per-WAL-file size cap in megabytes; crossing it
	// also marks mt_wal_full.
	WalSizeMB int

	// CKeys emits S2-compressed key blocks in new SSTable partitions.
	CKeys bool

	// Tags emits per-key xxhash tags in new SSTable partitions for
	// point-lookup acceleration.
	Tags bool

	// NrWorkers is the compaction worker goroutine count.
	NrWorkers int

	// CoPerWorker bounds the cooperative-task semaphore each compaction
	// worker acquires around its own partition rewrite.
	CoPerWorker int

	// WorkerCores is "auto" (default, leaves GOMAXPROCS alone), "dont"
	// (pins the compaction worker pool to a single goroutine), or a
	// comma-separated CPU index list recorded for diagnostics — this
	// port does not attempt OS-level CPU-affinity pinning, which the
	// standard library cannot express portably (§3 SUPPLEMENTED
	// FEATURES "worker_cores config parsing").
	WorkerCores string

	// Logger receives structured logs from compaction and the background
	// worker, and fatal-error diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

const (
	defaultCacheSizeMB = 64
	defaultMtSizeMB    = 64
	defaultWalSizeMB   = 64
	defaultNrWorkers   = 4
	defaultCoPerWorker = 4
)

func (o *Options) setDefaults() {
	if o.CacheSizeMB <= 0 {
		o.CacheSizeMB = defaultCacheSizeMB
	}
	if o.MtSizeMB <= 0 {
		o.MtSizeMB = defaultMtSizeMB
	}
	if o.WalSizeMB <= 0 {
		o.WalSizeMB = defaultWalSizeMB
	}
	if o.NrWorkers <= 0 {
		o.NrWorkers = defaultNrWorkers
	}
	if o.CoPerWorker <= 0 {
		o.CoPerWorker = defaultCoPerWorker
	}
	if o.WorkerCores == "" {
		o.WorkerCores = "auto"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// parseWorkerCores interprets the worker_cores option (§6), returning the
// parsed CPU list (nil for "auto"/"dont") and the resolved mode.
func parseWorkerCores(s string) (cores []int, mode string, err error) {
	switch s {
	case "", "auto":
		return nil, "auto", nil
	case "dont":
		return nil, "dont", nil
	}
	parts := strings.Split(s, ",")
	cores = make([]int, 0, len(parts))
	for _, p := range parts {
		n, perr := strconv.Atoi(strings.TrimSpace(p))
		if perr != nil {
			return nil, "", errors.Wrapf(perr, "remixdb: invalid worker_cores entry %q", p)
		}
		cores = append(cores, n)
	}
	return cores, "list", nil
}
