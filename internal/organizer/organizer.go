// Package organizer maps downloaded files into the segment/year/month/day
// tree and guarantees readers never observe a partial file.
package organizer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrPath             = errors.New("organizer: root not writable")
	ErrWrite            = errors.New("organizer: write failed")
	ErrChecksumMismatch = errors.New("organizer: checksum mismatch")
)

const tempSuffix = ".part"

type Organizer struct {
	root string
}

func New(root string) (*Organizer, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPath, err)
	}
	probe := filepath.Join(root, ".writecheck")
	if err := os.WriteFile(probe, nil, 0644); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPath, err)
	}
	os.Remove(probe)
	return &Organizer{root: root}, nil
}

func (o *Organizer) Root() string { return o.root }

// PlacementPath maps (segment, logical date, file name) to the deterministic
// destination: root/SEGMENT/2006/Jan/2/name. The day folder is unpadded.
func (o *Organizer) PlacementPath(segment string, logicalDate time.Time, fileName string) string {
	return filepath.Join(
		o.root,
		segment,
		logicalDate.Format("2006"),
		logicalDate.Format("Jan"),
		strconv.Itoa(logicalDate.Day()),
		fileName,
	)
}

// LogicalDate extracts the business date embedded in exchange file names
// (DDMMYYYY or DDMMYY runs of digits); files without one fall back to now.
func LogicalDate(fileName string, now time.Time) time.Time {
	digits := longestDigitRun(fileName)
	switch len(digits) {
	case 8:
		if t, err := time.ParseInLocation("02012006", digits, now.Location()); err == nil {
			return t
		}
	case 6:
		if t, err := time.ParseInLocation("020106", digits, now.Location()); err == nil {
			return t
		}
	}
	return now
}

func longestDigitRun(s string) string {
	best, cur := "", strings.Builder{}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			cur.WriteRune(r)
			continue
		}
		if cur.Len() > len(best) {
			best = cur.String()
		}
		cur.Reset()
	}
	if cur.Len() > len(best) {
		best = cur.String()
	}
	return best
}

// Write streams r to a temporary file next to path, computes the sha256 on
// the way through, fsyncs, and renames into place only if the checksum
// matches expected (empty expected accepts anything). On any failure the
// temporary file is removed and nothing appears at path.
func (o *Organizer) Write(r io.Reader, path, expected string) (checksum string, written int64, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, fmt.Errorf("%w: create dirs: %v", ErrPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	hasher := sha256.New()
	written, err = io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		// Keep the stream error's identity: partial transfers and timeouts
		// must stay classifiable by the caller's retry policy.
		return "", 0, fmt.Errorf("%w: copy: %w", ErrWrite, err)
	}
	if err = tmp.Sync(); err != nil {
		return "", 0, fmt.Errorf("%w: sync: %v", ErrWrite, err)
	}
	if err = tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("%w: close: %v", ErrWrite, err)
	}
	checksum = hex.EncodeToString(hasher.Sum(nil))
	if expected != "" && checksum != expected {
		err = fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, checksum, expected)
		return "", 0, err
	}
	if err = os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("%w: rename: %v", ErrWrite, err)
	}

	return checksum, written, nil
}

// ChecksumFile returns the hex sha256 of an existing file.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SweepTemps removes temp files abandoned by an emergency stop or crash.
// Run at startup before the scheduler arms.
func (o *Organizer) SweepTemps() (removed int, err error) {
	err = filepath.WalkDir(o.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), tempSuffix) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Warn("could not remove stale temp file", "path", path, "error", rmErr)
			return nil
		}
		removed++
		return nil
	})
	if removed > 0 {
		slog.Info("removed stale temp files", "count", removed)
	}
	return removed, err
}
