// Package tempfile spools request bodies to disk under a single root.
package tempfile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTooLarge is returned by Spool when the input exceeds the size limit.
var ErrTooLarge = errors.New("upload too large")

// TempFiles assigns temporary filenames and deletes files that outlive
// maxAge, which only happens if a caller forgot Remove or the process died.
type TempFiles struct {
	Root string

	seq atomic.Uint64

	lock            sync.Mutex // guards lastCleanup
	lastCleanup     time.Time
	cleanupInterval time.Duration
	maxAge          time.Duration
}

// NewTempFiles wipes and recreates root.
func NewTempFiles(root string) (*TempFiles, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temporary file directory '%v': %w", root, err)
	}

	all, _ := filepath.Glob(filepath.Join(root, "*"))
	for _, fn := range all {
		os.Remove(fn)
	}
	return &TempFiles{
		Root:            root,
		lastCleanup:     time.Now(),
		cleanupInterval: time.Minute,
		maxAge:          10 * time.Minute,
	}, nil
}

// Get returns a new unique filename under Root. The file is not created.
func (t *TempFiles) Get() string {
	t.lock.Lock()
	if time.Since(t.lastCleanup) > t.cleanupInterval {
		t.lastCleanup = time.Now()
		go t.cleanOld()
	}
	t.lock.Unlock()
	return filepath.Join(t.Root, fmt.Sprintf("%d-%d", time.Now().UnixNano(), t.seq.Add(1)))
}

// this must not touch any shared mutable state, or take the lock
func (t *TempFiles) cleanOld() {
	all, _ := filepath.Glob(filepath.Join(t.Root, "*"))
	for _, fn := range all {
		st, err := os.Stat(fn)
		if err == nil && time.Since(st.ModTime()) > t.maxAge {
			os.Remove(fn)
		}
	}
}

// File is one spooled upload.
type File struct {
	Path   string
	Size   int64
	SHA256 string
}

// Remove deletes the file. It is safe to call more than once.
func (f *File) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Spool copies r into a fresh temp file, hashing it on the way. Reading more
// than maxBytes fails with ErrTooLarge. On any error nothing is left on disk.
func (t *TempFiles) Spool(r io.Reader, maxBytes int64) (*File, error) {
	path := t.Get()
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f := &File{Path: path}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), io.LimitReader(r, maxBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		f.Remove()
		return nil, err
	}

	f.Size = n
	f.SHA256 = hex.EncodeToString(h.Sum(nil))
	return f, nil
}
