// Package table implements the REMIX-style SSTable engine contract
// consumed by the core (spec §4.5): a reference-counted, partitioned,
// immutable on-disk version of sorted records, with per-partition
// accept/reject compaction and optional hash-tag / compressed-key
// acceleration. Partition persistence is grounded in the teacher's
// internal/sstable block design
// (_examples/return2faye-SiltKV/internal/sstable/sstable.go), generalized
// from a single flat table into the spec's anchor-partitioned version.
package table

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/s2"

	"github.com/Kevin-Yang1/remixdb/internal/record"
)

const partitionMagic = "RMX1"

const (
	flagTags  byte = 1 << 0
	flagCKeys byte = 1 << 1
)

// partition is one REMIX partition: a sorted, immutable run of records
// whose keys fall in [anchor, end) (end == nil means +infinity), backed
// by a single on-disk file. The whole partition is loaded into memory on
// open — a deliberate simplification of REMIX's block-indexed access for
// this port (see DESIGN.md).
type partition struct {
	anchor      []byte
	end         []byte // exclusive upper bound, nil == +inf
	file        string
	disposition record.Disposition

	records  []record.Record // sorted by key, loaded whole by load()
	tagIndex map[uint64][]int
}

// contains reports whether key falls in [p.anchor, p.end).
func (p *partition) contains(key []byte) bool {
	if bytes.Compare(key, p.anchor) < 0 {
		return false
	}
	if p.end != nil && bytes.Compare(key, p.end) >= 0 {
		return false
	}
	return true
}

func (p *partition) size() int64 {
	var n int64
	for _, r := range p.records {
		n += int64(r.Size())
	}
	return n
}

func writePartitionFile(path string, recs []record.Record, tags, ckeys bool) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "table: create %s", path)
	}
	defer f.Close()

	var flags byte
	if tags {
		flags |= flagTags
	}
	if ckeys {
		flags |= flagCKeys
	}

	if _, err := f.WriteString(partitionMagic); err != nil {
		return err
	}
	if _, err := f.Write([]byte{flags}); err != nil {
		return err
	}
	var countBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(countBuf[:], uint64(len(recs)))
	if _, err := f.Write(countBuf[:n]); err != nil {
		return err
	}

	if tags {
		tagBuf := make([]byte, 8*len(recs))
		for i, r := range recs {
			binary.LittleEndian.PutUint64(tagBuf[i*8:], xxhash.Sum64(r.Key))
		}
		if _, err := f.Write(tagBuf); err != nil {
			return err
		}
	}

	var keyBlock []byte
	for _, r := range recs {
		var lenBuf [binary.MaxVarintLen64]byte
		ln := binary.PutUvarint(lenBuf[:], uint64(len(r.Key)))
		keyBlock = append(keyBlock, lenBuf[:ln]...)
		keyBlock = append(keyBlock, r.Key...)
	}
	stored := keyBlock
	if ckeys {
		stored = s2.Encode(nil, keyBlock)
	}
	if err := writeBlock(f, uint64(len(keyBlock)), stored); err != nil {
		return err
	}

	var valBlock []byte
	for _, r := range recs {
		var lenBuf [binary.MaxVarintLen64]byte
		ln := binary.PutUvarint(lenBuf[:], uint64(r.EncodedVlen()))
		valBlock = append(valBlock, lenBuf[:ln]...)
		valBlock = append(valBlock, r.Value...)
	}
	if _, err := f.Write(valBlock); err != nil {
		return err
	}

	return f.Sync()
}

// writeBlock writes [varint uncompressedLen][varint storedLen][stored bytes].
func writeBlock(w io.Writer, uncompressedLen uint64, stored []byte) error {
	var hdr [2 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uncompressedLen)
	n += binary.PutUvarint(hdr[n:], uint64(len(stored)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(stored)
	return err
}

func loadPartitionFile(path string) ([]record.Record, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "table: read %s", path)
	}
	if len(data) < 5 || string(data[:4]) != partitionMagic {
		return nil, false, errors.Newf("table: %s: bad magic", path)
	}
	flags := data[4]
	buf := data[5:]

	count64, n := binary.Uvarint(buf)
	buf = buf[n:]
	count := int(count64)

	hasTags := flags&flagTags != 0
	if hasTags {
		// Tag block is re-derived from keys on load (xxhash is cheap);
		// we only needed it on disk so an external reader without this
		// package could still validate point lookups. Skip over it.
		buf = buf[8*count:]
	}

	uncompressedLen, n := binary.Uvarint(buf)
	buf = buf[n:]
	storedLen, n := binary.Uvarint(buf)
	buf = buf[n:]
	stored := buf[:storedLen]
	buf = buf[storedLen:]

	var keyBlock []byte
	if flags&flagCKeys != 0 {
		keyBlock, err = s2.Decode(make([]byte, uncompressedLen), stored)
		if err != nil {
			return nil, false, errors.Wrap(err, "table: decompress key block")
		}
	} else {
		keyBlock = stored
	}

	recs := make([]record.Record, count)
	kb := keyBlock
	for i := range recs {
		klen, n := binary.Uvarint(kb)
		kb = kb[n:]
		recs[i].Key = append([]byte(nil), kb[:klen]...)
		kb = kb[klen:]
	}

	for i := range recs {
		vlenTS, n := binary.Uvarint(buf)
		buf = buf[n:]
		vlen, tombstone := record.DecodeVlen(uint32(vlenTS))
		recs[i].Tombstone = tombstone
		if vlen > 0 {
			recs[i].Value = append([]byte(nil), buf[:vlen]...)
			buf = buf[vlen:]
		}
		recs[i].Hash = record.Hash64(recs[i].Key)
	}

	return recs, hasTags, nil
}

func (p *partition) load() error {
	recs, hasTags, err := loadPartitionFile(p.file)
	if err != nil {
		return err
	}
	p.records = recs
	if hasTags {
		p.tagIndex = make(map[uint64][]int, len(recs))
		for i, r := range recs {
			tag := xxhash.Sum64(r.Key)
			p.tagIndex[tag] = append(p.tagIndex[tag], i)
		}
	}
	return nil
}

// find returns the index of kref.Key in p.records, or false on a miss
// (with the insertion point on the binary-search path and 0 on the
// tag-index path). When a tag index was built at load time, point lookups resolve
// through it in expected O(1) instead of a binary search (§6 "tags").
func (p *partition) find(kref record.Kref) (int, bool) {
	if p.tagIndex != nil {
		tag := xxhash.Sum64(kref.Key)
		for _, idx := range p.tagIndex[tag] {
			if bytes.Equal(p.records[idx].Key, kref.Key) {
				return idx, true
			}
		}
		return 0, false
	}
	i := p.seek(kref.Key)
	if i < len(p.records) && bytes.Equal(p.records[i].Key, kref.Key) {
		return i, true
	}
	return i, false
}

// seek returns the index of the first record with key >= key (ordered
// binary search; always available regardless of tagIndex, since range
// iteration needs order rather than hash lookup).
func (p *partition) seek(key []byte) int {
	return sort.Search(len(p.records), func(i int) bool {
		return bytes.Compare(p.records[i].Key, key) >= 0
	})
}
