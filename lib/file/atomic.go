package file

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-uuid"
)

// WriteAtomic replaces path with contents, readable by the owner only.
func WriteAtomic(path string, contents []byte) error {
	return WriteAtomicWithPerms(path, contents, 0700, 0600)
}

// WriteAtomicWithPerms writes contents to a uniquely named temporary file
// next to path, syncs it and renames it over path. Readers see either the
// old or the new contents. Missing parent directories are created with
// dirPerms.
func WriteAtomicWithPerms(path string, contents []byte, dirPerms, filePerms os.FileMode) error {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	tempPath := fmt.Sprintf("%s-%s.tmp", path, id)

	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}
	if err := writeSynced(tempPath, contents, filePerms); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

func writeSynced(path string, contents []byte, perms os.FileMode) error {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perms)
	if err != nil {
		return err
	}
	if _, err := fh.Write(contents); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}
