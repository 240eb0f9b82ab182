// Package wal implements the engine's write-ahead log: two rotating files
// (wal1, wal2), page-aligned write buffering, and crash-safe replay. See
// spec §4.1 and §6 for the wire format and durability contract. Adapted
// from the teacher's single-file internal/wal/wal.go (buffered writer +
// background syncLoop) into the dual-file rotating design the spec
// requires.
package wal

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/Kevin-Yang1/remixdb/internal/fatal"
	"github.com/Kevin-Yang1/remixdb/internal/record"
)

const (
	// PageSize is the page-alignment unit for WAL buffers and file
	// offsets (§3 "the current WAL file's write offset is PGSZ-aligned").
	PageSize = 4096
	// DefaultBufPages is the default buffer size in pages (256 KiB, §4.1
	// "Buffer size is a fixed multiple of page size (default 256 KiB)").
	DefaultBufPages = 64
	// DefaultBufSize is DefaultBufPages * PageSize.
	DefaultBufSize = DefaultBufPages * PageSize
	// SyncSize is XDB_SYNC_SIZE: writes initiated but unacked past this
	// many bytes automatically trigger an opportunistic fsync (§4.1).
	SyncSize = 64 << 20
	// headerSize is the 8-byte little-endian version number that opens
	// every WAL file (§6 "WAL file format").
	headerSize = 8
)

// errCorrupt stops replay at the first bad record; it never escapes
// Recover (§7 "replay halts... but does not invalidate the rest of the
// database").
var errCorrupt = errors.New("wal: corrupt record")

// Wal owns the pair of rotating files and the active write buffer.
// All Append calls are expected to happen while the caller holds the
// engine's global spinlock (§4.1 "Called while holding the engine's
// global spinlock"); Wal itself only serializes its own bookkeeping.
type Wal struct {
	mu   sync.Mutex
	dir  string
	cur  int // 0 or 1: index into files/paths of the current file
	path [2]string
	file [2]*os.File

	buf       []byte // page-aligned write buffer, reused across flushes
	bufLen    int    // bytes currently staged in buf
	writeOff  int64  // current file's write cursor; page-aligned after every flush
	unackedSz int64  // bytes written since the last fsync, for SyncSize triggering

	fsyncSem *semaphore.Weighted // bounds concurrent opportunistic fsync goroutines
	fsyncWg  sync.WaitGroup
}

// Open opens (creating if absent) wal1 and wal2 under dir without
// selecting a current file or reading headers; callers must follow with
// Recover to establish the current file and replay content.
func Open(dir string) (*Wal, error) {
	w := &Wal{
		dir:      dir,
		buf:      make([]byte, 0, DefaultBufSize),
		fsyncSem: semaphore.NewWeighted(4),
	}
	w.path[0] = filepath.Join(dir, "wal1")
	w.path[1] = filepath.Join(dir, "wal2")
	for i := range w.path {
		f, err := os.OpenFile(w.path[i], os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			w.closeFiles()
			return nil, errors.Wrapf(err, "wal: open %s", w.path[i])
		}
		w.file[i] = f
	}
	return w, nil
}

func (w *Wal) closeFiles() {
	for i := range w.file {
		if w.file[i] != nil {
			w.file[i].Close()
			w.file[i] = nil
		}
	}
}

func readVersionHeader(f *os.File) (uint64, bool, error) {
	hdr := make([]byte, headerSize)
	n, err := f.ReadAt(hdr, 0)
	if err != nil && err != io.EOF {
		return 0, false, err
	}
	if n < headerSize {
		return 0, false, nil
	}
	return binary.LittleEndian.Uint64(hdr), true, nil
}

func writeVersionHeader(f *os.File, version uint64) error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(hdr, version)
	_, err := f.WriteAt(hdr, 0)
	return err
}

// Recover inspects both files' version headers, replays whichever file(s)
// the §4.1 "version mismatch" rule selects (the strictly-newer file; both
// if equal), and positions the write cursor past the last valid record of
// the chosen current file. apply is invoked with each decoded record in
// file order; an error from apply halts replay of that file, same as a
// corrupt record (§7).
//
// headVersion — the durably-published SSTable version id — additionally
// disambiguates the crash window between compaction's step 1 (Switch
// writes the new file's header) and its later durable publish of the
// new SSTable version: if the newer file's header is still ahead of
// headVersion, the older file's header equals headVersion and the
// older file still holds the frozen IMT's not-yet-durable writes, so
// both files must be replayed, older first.
func (w *Wal) Recover(headVersion uint64, apply func(record.Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	v0, has0, err := readVersionHeader(w.file[0])
	if err != nil {
		return err
	}
	v1, has1, err := readVersionHeader(w.file[1])
	if err != nil {
		return err
	}

	switch {
	case !has0 && !has1:
		w.cur = 0
		if err := writeVersionHeader(w.file[0], headVersion); err != nil {
			return err
		}
		w.writeOff = headerSize
		return nil
	case has0 && !has1:
		w.cur = 0
	case has1 && !has0:
		w.cur = 1
	default:
		newIdx, oldIdx, newV, oldV := 0, 1, v0, v1
		if v1 > v0 {
			newIdx, oldIdx, newV, oldV = 1, 0, v1, v0
		}
		w.cur = newIdx
		switch {
		case newV == oldV:
			// Equal versions: both are replayed (§4.1 recover); current
			// becomes file 0 by convention.
			w.cur = 0
			if _, err := w.replayFile(1, apply); err != nil {
				return err
			}
		case headVersion == oldV:
			// Interrupted compaction: the new file's header was
			// written by Switch but the SSTable engine never durably
			// published the version it corresponds to, so the older
			// file's writes (the frozen IMT) are still only recorded
			// in the WAL and must be replayed before the newer file's.
			if _, err := w.replayFile(oldIdx, apply); err != nil {
				return err
			}
		}
	}

	off, err := w.replayFile(w.cur, apply)
	if err != nil {
		return err
	}
	w.writeOff = alignUp(off)
	return nil
}

// replayFile decodes records from file index idx starting after its
// 8-byte header, invoking apply for each, and returns the byte offset
// just past the last successfully decoded record.
//
// flushLocked zero-pads every flush up to the next page boundary, so a
// file holding more than one flush's worth of records has zero runs
// between pages that are not corruption. A decode failure that lands
// on such an interior, non-page-aligned offset is checked against the
// rest of that page: if the whole remaining span reads back as zero,
// it is flush padding, and replay resumes at the next page rather than
// stopping there.
func (w *Wal) replayFile(idx int, apply func(record.Record) error) (int64, error) {
	f := w.file[idx]
	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		return headerSize, err
	}
	r := &byteReaderWrap{f}
	off := int64(headerSize)
	for {
		rec, n, err := decodeRecord(r)
		if err != nil {
			pageEnd := alignUp(off)
			if pageEnd > off {
				if zero, ok := isZeroSpan(f, off, pageEnd); ok && zero {
					if _, serr := f.Seek(pageEnd, io.SeekStart); serr != nil {
						break
					}
					off = pageEnd
					continue
				}
			}
			// Truncation or checksum failure: stop here, discarding
			// any later bytes in this file (§7).
			break
		}
		if apply != nil {
			if aerr := apply(rec); aerr != nil {
				break
			}
		}
		off += int64(n)
	}
	return off, nil
}

// isZeroSpan reports whether the byte range [from, to) in f is entirely
// zero. ok is false if the file does not extend that far (a genuine
// truncation, not interior flush padding).
func isZeroSpan(f *os.File, from, to int64) (zero, ok bool) {
	buf := make([]byte, to-from)
	n, err := f.ReadAt(buf, from)
	if err != nil && err != io.EOF {
		return false, false
	}
	if int64(n) < to-from {
		return false, false
	}
	for _, b := range buf {
		if b != 0 {
			return false, true
		}
	}
	return true, true
}

// decodeRecord reads one [varint klen][varint vlen_ts][key][value][crc32c]
// record (§6), returning errCorrupt on EOF, truncation, or checksum
// mismatch without partially consuming past the failure point in a way
// that would misreport the replay offset.
func decodeRecord(r *byteReaderWrap) (record.Record, int, error) {
	n1 := 0
	klen, n, err := binary.ReadUvarint(r)
	if err != nil {
		return record.Record{}, 0, errCorrupt
	}
	n1 += n
	vlenTS, n, err := binary.ReadUvarint(r)
	if err != nil {
		return record.Record{}, 0, errCorrupt
	}
	n1 += n

	vlen, tombstone := record.DecodeVlen(uint32(vlenTS))
	if klen > record.MaxKV || vlen > record.MaxKV || int(klen)+vlen > record.MaxKV {
		return record.Record{}, 0, errCorrupt
	}

	key := make([]byte, klen)
	if _, err := io.ReadFull(r, key); err != nil {
		return record.Record{}, 0, errCorrupt
	}
	var val []byte
	if vlen > 0 {
		val = make([]byte, vlen)
		if _, err := io.ReadFull(r, val); err != nil {
			return record.Record{}, 0, errCorrupt
		}
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return record.Record{}, 0, errCorrupt
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	if record.ChecksumKey(key) != want {
		return record.Record{}, 0, errCorrupt
	}

	rec := record.Record{Key: key, Value: val, Hash: record.Hash64(key), Tombstone: tombstone}
	total := n1 + int(klen) + vlen + 4
	return rec, total, nil
}

// byteReaderWrap adapts an io.Reader (here always an *os.File) to
// io.ByteReader for binary.ReadUvarint without pulling in bufio, since
// replay already reads at most a handful of bytes per call.
type byteReaderWrap struct{ io.Reader }

func (b *byteReaderWrap) ReadByte() (byte, error) {
	var p [1]byte
	_, err := io.ReadFull(b.Reader, p[:])
	return p[0], err
}

func alignUp(off int64) int64 {
	if r := off % PageSize; r != 0 {
		return off + (PageSize - r)
	}
	return off
}

func encodedLen(rec record.Record) int {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(rec.Key)))
	n += binary.PutUvarint(tmp[:], uint64(rec.EncodedVlen()))
	return n + len(rec.Key) + len(rec.Value) + 4
}

// Append encodes rec into the internal page-sized buffer; when the next
// record would not fit, the buffer is flushed (zero-padded to the page
// boundary) before encoding continues. Must be called with the engine
// spinlock held by the caller (§4.1).
func (w *Wal) Append(rec record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := encodedLen(rec)
	if size > cap(w.buf) {
		return errors.Newf("wal: record of %d bytes exceeds buffer capacity %d", size, cap(w.buf))
	}
	if w.bufLen+size > cap(w.buf) {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	var klenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(klenBuf[:], uint64(len(rec.Key)))
	w.buf = append(w.buf[:w.bufLen], klenBuf[:n]...)
	w.bufLen += n

	var vlenBuf [binary.MaxVarintLen64]byte
	n = binary.PutUvarint(vlenBuf[:], uint64(rec.EncodedVlen()))
	w.buf = append(w.buf[:w.bufLen], vlenBuf[:n]...)
	w.bufLen += n

	w.buf = append(w.buf[:w.bufLen], rec.Key...)
	w.bufLen += len(rec.Key)
	w.buf = append(w.buf[:w.bufLen], rec.Value...)
	w.bufLen += len(rec.Value)

	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], record.ChecksumKey(rec.Key))
	w.buf = append(w.buf[:w.bufLen], crcBuf[:]...)
	w.bufLen += 4

	w.unackedSz += int64(size)
	if w.unackedSz >= SyncSize {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.enqueueFsyncLocked()
		w.unackedSz = 0
	}
	return nil
}

// Flush zero-pads and submits the partial buffer (§4.1 "flush").
func (w *Wal) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Wal) flushLocked() error {
	if w.bufLen == 0 {
		return nil
	}
	end := alignUp(w.writeOff + int64(w.bufLen))
	padded := int(end - w.writeOff)
	for len(w.buf) < padded {
		w.buf = append(w.buf, 0)
	}
	out := w.buf[:padded]
	f := w.file[w.cur]
	if _, err := f.WriteAt(out, w.writeOff); err != nil {
		fatal.Abort(errors.Wrap(err, "wal: write ring failure"))
		return err
	}
	w.writeOff = end
	w.bufLen = 0
	w.buf = w.buf[:0]
	return nil
}

// enqueueFsyncLocked submits an async fsync without waiting for it,
// modeling the write ring's "flush_sync" semantics (§4.1) atop a bounded
// goroutine pool instead of io_uring/POSIX AIO.
func (w *Wal) enqueueFsyncLocked() {
	f := w.file[w.cur]
	if !w.fsyncSem.TryAcquire(1) {
		// Ring saturated: fall back to a synchronous fsync rather than
		// unbounded goroutine fanout.
		if err := f.Sync(); err != nil {
			fatal.Abort(errors.Wrap(err, "wal: fsync failure"))
		}
		return
	}
	w.fsyncWg.Add(1)
	go func() {
		defer w.fsyncWg.Done()
		defer w.fsyncSem.Release(1)
		if err := f.Sync(); err != nil {
			fatal.Abort(errors.Wrap(err, "wal: fsync failure"))
		}
	}()
}

// FlushSync flushes and enqueues an fsync without waiting for it (§4.1
// "flush_sync").
func (w *Wal) FlushSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.enqueueFsyncLocked()
	return nil
}

// FlushSyncWait flushes, fsyncs, and drains the ring (§4.1
// "flush_sync_wait").
func (w *Wal) FlushSyncWait() error {
	w.mu.Lock()
	if err := w.flushLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	f := w.file[w.cur]
	w.mu.Unlock()

	w.fsyncWg.Wait()
	if err := f.Sync(); err != nil {
		fatal.Abort(errors.Wrap(err, "wal: fsync failure"))
		return err
	}
	return nil
}

// Switch performs flush_sync_wait, swaps to the other file as current,
// resets offsets, and writes the new version header (§4.1 "switch"). It
// returns the size in bytes of the just-retired file.
func (w *Wal) Switch(_ context.Context, newVersion uint64) (retiredSize int64, err error) {
	if err := w.FlushSyncWait(); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	retiredSize = w.writeOff
	w.cur = 1 - w.cur
	w.writeOff = headerSize
	w.unackedSz = 0
	if err := writeVersionHeader(w.file[w.cur], newVersion); err != nil {
		return retiredSize, err
	}
	return retiredSize, nil
}

// TruncateOld truncates the file that is NOT current to zero length and
// fdatasyncs it, per §4.1 "Files are truncated to zero length and
// fdatasync'd at the end of compaction". Must only be called after the
// new WAL's fsync has completed (§4.3 step 10).
func (w *Wal) TruncateOld() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	old := w.file[1-w.cur]
	if err := old.Truncate(0); err != nil {
		return errors.Wrap(err, "wal: truncate old file")
	}
	return old.Sync()
}

// CurrentSize reports the current file's logical write offset, used by
// the engine to decide whether mt_wal_full (§4.2).
func (w *Wal) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeOff
}

// Close flushes, fsyncs, and closes both files.
func (w *Wal) Close() error {
	if err := w.FlushSyncWait(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeFiles()
	return nil
}
