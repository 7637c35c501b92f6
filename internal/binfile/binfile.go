// Package binfile reads executables into memory and commits rewritten images
// back to disk.
package binfile

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sad0p/postject/log"
)

const tempInfix = ".postject-"

// Read returns the whole file.
func Read(path string) ([]byte, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return contents, nil
}

// Write replaces path with data. A symlink is followed and its target is
// replaced. The bytes go to a sibling temp file first and are renamed over
// the target, so a failed write leaves the original intact. The original
// permission bits and, where the platform allows, the owner are kept. A
// file with more than one hard link is rewritten in place instead so every
// link sees the new contents.
func Write(path string, data []byte) error {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	mode := os.FileMode(0755)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	own, known := statOwner(path)
	if known && own.links > 1 {
		return writeInPlace(path, data)
	}

	tmpName := filepath.Join(filepath.Dir(path), filepath.Base(path)+tempInfix+uuid.NewString())
	fh, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}

	if _, err := fh.Write(data); err != nil {
		fh.Close()
		discard(tmpName)
		return errors.Wrapf(err, "write %s", tmpName)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		discard(tmpName)
		return errors.Wrapf(err, "sync %s", tmpName)
	}
	if err := fh.Close(); err != nil {
		discard(tmpName)
		return errors.Wrapf(err, "close %s", tmpName)
	}
	// umask may have narrowed the mode on create
	if err := os.Chmod(tmpName, mode); err != nil {
		discard(tmpName)
		return errors.Wrapf(err, "chmod %s", tmpName)
	}
	if known {
		if err := own.apply(tmpName); err != nil {
			log.Warnf("[!] %s: owner %d:%d not kept: %v", path, own.uid, own.gid, err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		discard(tmpName)
		return errors.Wrapf(err, "replace %s", path)
	}
	log.Debugf("[+] Wrote 0x%x bytes to %s", len(data), path)
	return nil
}

func writeInPlace(path string, data []byte) error {
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	if _, err := fh.Write(data); err != nil {
		fh.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return errors.Wrapf(err, "sync %s", path)
	}
	if err := fh.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}
	log.Debugf("[+] Rewrote 0x%x bytes in place to %s", len(data), path)
	return nil
}

func discard(tmpName string) {
	if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
		log.Errorf("[-] Could not remove %s: %v", tmpName, err)
	}
}
