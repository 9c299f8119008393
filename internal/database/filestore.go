// Package database provides the crash-safe key→document store used to resume
// watcher state across restarts.
package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CodecError distinguishes JSON (de)serialization failures from I/O failures;
// callers treat a corrupt document as a cold start rather than an outage.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string { return fmt.Sprintf("codec error: %v", e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }

// FileStore keeps one JSON document per key under a root directory. Each key
// is written by at most one goroutine, so no locking happens here; crash
// safety comes from writing a sibling temp file and renaming it into place.
type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Setup creates the root directory.
func (s *FileStore) Setup() error {
	return os.MkdirAll(s.root, 0o755)
}

// Save atomically replaces the document at key. A crash mid-write leaves
// either the previous document or the new one, never a torn file.
func (s *FileStore) Save(key string, document any) error {
	data, err := json.Marshal(document)
	if err != nil {
		return &CodecError{Err: err}
	}

	part := filepath.Join(s.root, key+"-part.json")
	if err := os.WriteFile(part, data, 0o644); err != nil {
		return err
	}
	return os.Rename(part, s.path(key))
}

// Read unmarshals the document at key into dest. A missing key surfaces as an
// error satisfying errors.Is(err, fs.ErrNotExist).
func (s *FileStore) Read(key string, dest any) error {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return &CodecError{Err: err}
	}
	return nil
}

// Delete removes the document at key. Deleting a missing key returns the
// fs.ErrNotExist error; callers treat it as success.
func (s *FileStore) Delete(key string) error {
	return os.Remove(s.path(key))
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.root, key+".json")
}
