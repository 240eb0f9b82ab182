// Package fatal implements the engine's single abort-with-backtrace path
// for invariant violations that the source treats as unrecoverable: WAL
// I/O failure, a mid-reinsert compaction failure, and internal
// bookkeeping corruption (view pointer mismatches, mtsz underflow,
// impossible heap state). See spec §7 "Internal invariant violations...
// immediately abort with a diagnostic message and a backtrace."
package fatal

import (
	"go.uber.org/zap"
)

// logger is set once by the engine at Open via SetLogger; it defaults to
// zap's example logger (JSON to stdout) so abort paths still print something
// useful for tests and tools that never call SetLogger.
var logger = zap.NewExample()

// SetLogger installs the logger used by Abort. Safe to call before any
// Wal/table/engine construction; not safe to call concurrently with
// Abort.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}

// Abort logs err at Error severity and then panics with err, so the
// invariant violation can never be silently swallowed and the panic
// carries a backtrace.
func Abort(err error) {
	logger.Error("fatal invariant violation", zap.Error(err))
	panic(err)
}
