// Package cache stores opaque stage outputs under deterministic keys.
//
// Entries never expire; an entry is invalidated only by its key changing
// (stage, iteration or scope) or by an explicit Clear.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sleepstager/internal/failure"
)

// Store provides storage and retrieval of stage payloads.
type Store interface {
	// Get returns the payload stored under key. ok is false when no entry
	// exists. A stored entry that fails validation reports
	// failure.ErrCacheCorruption.
	Get(key string) (payload []byte, ok bool, err error)

	// Put stores payload under key, replacing any previous entry.
	Put(key string, payload []byte) error
}

// frame layout: magic | uint64 length | sha256(payload) | payload
var magic = []byte("SSC1")

const headerLen = 4 + 8 + sha256.Size

func encodeFrame(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	out := make([]byte, 0, headerLen+len(payload))
	out = append(out, magic...)
	out = binary.BigEndian.AppendUint64(out, uint64(len(payload)))
	out = append(out, sum[:]...)
	return append(out, payload...)
}

func decodeFrame(data []byte) ([]byte, error) {
	if len(data) < headerLen || !bytes.Equal(data[:4], magic) {
		return nil, fmt.Errorf("bad header")
	}
	n := binary.BigEndian.Uint64(data[4:12])
	body := data[headerLen:]
	if uint64(len(body)) != n {
		return nil, fmt.Errorf("length %d, header says %d", len(body), n)
	}
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], data[12:headerLen]) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return body, nil
}

// FileStore implements Store using one file per key.
//
// Structure:
//
//	{Dir}/
//	  {key}.bin
type FileStore struct {
	Dir string
}

// NewFileStore creates a filesystem-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Get retrieves a payload by key.
func (c *FileStore) Get(key string) ([]byte, bool, error) {
	path, err := c.entryPath(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading cache entry: %w", err)
	}
	payload, err := decodeFrame(data)
	if err != nil {
		return nil, false, failure.Wrap(failure.ErrCacheCorruption, err, "entry %s", key)
	}
	return payload, true, nil
}

// Put stores a payload. The entry is written to a temporary file in the
// same directory, synced, then renamed into place, so a reader sees either
// the previous entry or the new one. Concurrent writers of one key: the
// last rename wins.
func (c *FileStore) Put(key string, payload []byte) error {
	path, err := c.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	if err := writeFileAtomic(path, encodeFrame(payload), 0o644); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", key, err)
	}
	return nil
}

// Clear removes every entry. A missing directory is not an error.
func (c *FileStore) Clear() error {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing cache directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		if err := os.Remove(filepath.Join(c.Dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing cache entry: %w", err)
		}
	}
	return nil
}

func (c *FileStore) entryPath(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(c.Dir, key+".bin"), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// MemoryStore implements Store in memory. Useful for tests and for runs
// with no cache directory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

// Get retrieves a copy of the payload.
func (c *MemoryStore) Get(key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), p...), true, nil
}

// Put stores a copy of the payload.
func (c *MemoryStore) Put(key string, payload []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), payload...)
	return nil
}

// Clear removes every entry.
func (c *MemoryStore) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
	return nil
}

// Len returns the number of entries.
func (c *MemoryStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
