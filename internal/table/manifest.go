package table

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/Kevin-Yang1/remixdb/internal/record"
)

// On-disk layout (spec §6 "On-disk layout"):
//
//	dir/NNNNNN.ver        version descriptor (this file's JSON shape)
//	dir/HEAD -> NNNNNN.ver    live version symlink
//	dir/HEAD1 -> NNNNNN.ver   previous version symlink
//
// Publication follows the teacher's manifest.go temp-file-then-rename
// idiom (_examples/return2faye-SiltKV/internal/lsm/manifest.go), adapted
// from a flat SSTable-path list into a structured, anchor-partitioned
// version record. The temp file name carries a uuid suffix so two
// processes racing to publish the same version id never collide on the
// same temp path (§2 DOMAIN STACK, google/uuid).

type partitionMeta struct {
	Anchor      []byte             `json:"anchor"`
	End         []byte             `json:"end,omitempty"`
	File        string             `json:"file"`
	Disposition record.Disposition `json:"disposition"`
}

type versionFile struct {
	ID         uint64          `json:"id"`
	Partitions []partitionMeta `json:"partitions"`
}

func versionFileName(id uint64) string {
	return fileNamePrefix(id) + ".ver"
}

func fileNamePrefix(id uint64) string {
	return fmt.Sprintf("%06d", id)
}

// writeVersionFile marshals parts as JSON and publishes it atomically as
// dir/NNNNNN.ver via a uuid-suffixed temp file and rename.
func writeVersionFile(dir string, id uint64, parts []*partition) (string, error) {
	vf := versionFile{ID: id}
	for _, p := range parts {
		vf.Partitions = append(vf.Partitions, partitionMeta{
			Anchor:      p.anchor,
			End:         p.end,
			File:        filepath.Base(p.file),
			Disposition: p.disposition,
		})
	}
	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "table: marshal version file")
	}

	tmpPath := filepath.Join(dir, fileNamePrefix(id)+"-"+uuid.NewString()+".ver.tmp")
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", errors.Wrap(err, "table: create version temp file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "table: write version temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "table: sync version temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	finalPath := filepath.Join(dir, versionFileName(id))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", errors.Wrap(err, "table: publish version file")
	}
	return finalPath, nil
}

func readVersionFile(path string) (versionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return versionFile{}, errors.Wrapf(err, "table: read %s", path)
	}
	var vf versionFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return versionFile{}, errors.Wrapf(err, "table: decode %s", path)
	}
	return vf, nil
}

// symlinkAtomic points name at target, replacing any prior symlink
// atomically via a temp symlink + rename (os.Symlink itself cannot
// overwrite an existing entry).
func symlinkAtomic(dir, name, target string) error {
	tmp := filepath.Join(dir, name+".tmp-"+uuid.NewString())
	if err := os.Symlink(target, tmp); err != nil {
		return errors.Wrapf(err, "table: create %s symlink", name)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "table: publish %s symlink", name)
	}
	return nil
}

// publishHead retires the current HEAD to HEAD1 (if one exists) and
// points HEAD at the newly published version file.
func publishHead(dir, newVersionFile string) error {
	headPath := filepath.Join(dir, "HEAD")
	if prev, err := os.Readlink(headPath); err == nil {
		if err := symlinkAtomic(dir, "HEAD1", prev); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "table: read HEAD")
	}
	return symlinkAtomic(dir, "HEAD", filepath.Base(newVersionFile))
}

// loadHead reads dir/HEAD and returns the version file it names, or
// (versionFile{}, false, nil) on a fresh directory with no published
// version yet.
func loadHead(dir string) (versionFile, bool, error) {
	target, err := os.Readlink(filepath.Join(dir, "HEAD"))
	if err != nil {
		if os.IsNotExist(err) {
			return versionFile{}, false, nil
		}
		return versionFile{}, false, errors.Wrap(err, "table: read HEAD")
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}
	vf, err := readVersionFile(target)
	if err != nil {
		return versionFile{}, false, err
	}
	return vf, true, nil
}
