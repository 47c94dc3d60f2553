package tempfile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func entries(t *testing.T, dir string) int {
	t.Helper()
	all, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(all)
}

func TestNewTempFilesWipesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "uploads")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stale"), []byte("x"), 0o644))

	_, err := NewTempFiles(root)
	require.NoError(t, err)
	require.Equal(t, 0, entries(t, root))
}

func TestGetIsUnique(t *testing.T) {
	tf, err := NewTempFiles(t.TempDir())
	require.NoError(t, err)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := tf.Get()
		require.False(t, seen[name])
		seen[name] = true
	}
}

func TestSpool(t *testing.T) {
	root := t.TempDir()
	tf, err := NewTempFiles(root)
	require.NoError(t, err)

	f, err := tf.Spool(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	require.Equal(t, int64(5), f.Size)
	sum := sha256.Sum256([]byte("hello"))
	require.Equal(t, hex.EncodeToString(sum[:]), f.SHA256)

	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	require.NoError(t, f.Remove())
	require.NoError(t, f.Remove())
	require.Equal(t, 0, entries(t, root))
}

func TestSpoolTooLarge(t *testing.T) {
	root := t.TempDir()
	tf, err := NewTempFiles(root)
	require.NoError(t, err)

	_, err = tf.Spool(strings.NewReader("0123456789abc"), 10)
	require.True(t, errors.Is(err, ErrTooLarge))
	require.Equal(t, 0, entries(t, root))
}

func TestSpoolReadError(t *testing.T) {
	root := t.TempDir()
	tf, err := NewTempFiles(root)
	require.NoError(t, err)

	_, err = tf.Spool(iotest.ErrReader(errors.New("connection reset")), 10)
	require.Error(t, err)
	require.Equal(t, 0, entries(t, root))
}
