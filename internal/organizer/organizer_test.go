package organizer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacementPath(t *testing.T) {
	o, err := New(t.TempDir())
	require.NoError(t, err)

	date := time.Date(2025, time.March, 7, 10, 0, 0, 0, time.Local)
	got := o.PlacementPath("CM", date, "bhavcopy.csv")
	want := filepath.Join(o.Root(), "CM", "2025", "Mar", "7", "bhavcopy.csv")
	assert.Equal(t, want, got)
}

func TestLogicalDate(t *testing.T) {
	now := time.Date(2025, time.June, 15, 12, 0, 0, 0, time.Local)

	got := LogicalDate("CMBHAV07032025.csv", now)
	assert.Equal(t, time.Date(2025, time.March, 7, 0, 0, 0, 0, time.Local), got)

	got = LogicalDate("fo070325.zip", now)
	assert.Equal(t, time.Date(2025, time.March, 7, 0, 0, 0, 0, time.Local), got)

	// No recognizable date falls back to now.
	got = LogicalDate("readme.txt", now)
	assert.Equal(t, now, got)
}

func TestWriteAtomicWithChecksum(t *testing.T) {
	o, err := New(t.TempDir())
	require.NoError(t, err)

	payload := []byte("hello exchange")
	sum := sha256.Sum256(payload)
	want := hex.EncodeToString(sum[:])

	path := o.PlacementPath("CM", time.Now(), "f.csv")
	checksum, written, err := o.Write(bytes.NewReader(payload), path, "")
	require.NoError(t, err)
	assert.Equal(t, want, checksum)
	assert.Equal(t, int64(len(payload)), written)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	// No temp leftovers in the destination directory.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteRejectsChecksumMismatch(t *testing.T) {
	o, err := New(t.TempDir())
	require.NoError(t, err)

	path := o.PlacementPath("FO", time.Now(), "f.csv")
	_, _, err = o.Write(strings.NewReader("data"), path, strings.Repeat("0", 64))
	require.ErrorIs(t, err, ErrChecksumMismatch)

	// Nothing appears at the destination and the temp file is gone.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) > 0 {
		n := copy(p, f.data)
		f.data = f.data[n:]
		return n, nil
	}
	return 0, f.err
}

func TestWriteKeepsStreamErrorIdentity(t *testing.T) {
	o, err := New(t.TempDir())
	require.NoError(t, err)

	cause := errors.New("stream cut short")
	path := o.PlacementPath("CM", time.Now(), "f.csv")
	_, _, err = o.Write(&failingReader{data: []byte("par"), err: cause}, path, "")
	require.ErrorIs(t, err, ErrWrite)
	// The underlying cause stays reachable so callers can classify it.
	require.ErrorIs(t, err, cause)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestChecksumFileMatchesWrite(t *testing.T) {
	o, err := New(t.TempDir())
	require.NoError(t, err)

	path := o.PlacementPath("SLB", time.Now(), "g.csv")
	checksum, _, err := o.Write(strings.NewReader("payload"), path, "")
	require.NoError(t, err)

	again, err := ChecksumFile(path)
	require.NoError(t, err)
	assert.Equal(t, checksum, again)
}

func TestSweepTemps(t *testing.T) {
	root := t.TempDir()
	o, err := New(root)
	require.NoError(t, err)

	dir := filepath.Join(root, "CM", "2025", "Mar", "7")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.csv.123.part"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.csv"), []byte("x"), 0644))

	removed, err := o.SweepTemps()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(dir, "keep.csv"))
	assert.NoError(t, err)
}

func TestNewFailsOnUnwritableRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write anywhere")
	}
	base := t.TempDir()
	require.NoError(t, os.Chmod(base, 0500))
	t.Cleanup(func() { os.Chmod(base, 0700) })

	_, err := New(filepath.Join(base, "sub"))
	assert.ErrorIs(t, err, ErrPath)
}
