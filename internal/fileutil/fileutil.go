// Package fileutil provides the durable file primitives the stores are built
// on: fsync'd appends and atomic whole-file replacement.
package fileutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

func randomSuffix() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

func writeSyncFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err2 := f.Sync(); err2 != nil && err == nil {
		err = err2
	}
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	return err
}

// WriteFileAtomic replaces filename's content by writing to a temporary file
// and renaming it into place. A crash mid-write never leaves a half-written
// file visible under the canonical name. Callers serialize per filename.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", filename, err)
	}
	tempname := filename + ".tmp." + randomSuffix()
	if err := writeSyncFile(tempname, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := os.Rename(tempname, filename); err != nil {
		os.Remove(tempname)
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// AppendFile appends data to filename and syncs it to disk before returning,
// creating the file if needed. The data is durable when the call returns.
// Callers serialize per filename.
func AppendFile(filename string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", filename, err)
	}
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, perm)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}
	_, err = f.Write(data)
	if err2 := f.Sync(); err2 != nil && err == nil {
		err = err2
	}
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	if err != nil {
		return fmt.Errorf("append %s: %w", filename, err)
	}
	return nil
}
