// Package spool implements the DATA payload accumulator: an in-memory
// buffer up to a fixed threshold, transparently promoted to an unlinked
// temporary file when the threshold is exceeded.
//
// The temp-file discipline (same-directory creation, permission set before
// any data is written) mirrors internal/safeio.WriteFile; unlike safeio,
// the file here is immediately unlinked after creation since the spool is
// scratch space for the duration of one delivery, not a durable artifact.
package spool

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
)

// DefaultThreshold is the in-memory byte limit before a spool promotes to
// an on-disk spill file.
const DefaultThreshold = 64 * 1024

// Spool accumulates a DATA payload. It is not safe for concurrent Append
// calls, but once finished it is safe for concurrent, repeated reads via
// Reader (readers never mutate shared state).
type Spool struct {
	dir       string
	threshold int

	buf  bytes.Buffer
	file *os.File
	size int64
}

// New returns an empty spool that will promote to a file under dir once it
// has accumulated more than threshold bytes. threshold <= 0 means
// DefaultThreshold.
func New(dir string, threshold int) *Spool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Spool{dir: dir, threshold: threshold}
}

// Append adds bytes to the spool, promoting to disk if needed.
func (s *Spool) Append(b []byte) error {
	if s.file != nil {
		n, err := s.file.Write(b)
		s.size += int64(n)
		if err != nil {
			return fmt.Errorf("spool: writing to spill file: %w", err)
		}
		return nil
	}

	if s.buf.Len()+len(b) <= s.threshold {
		n, _ := s.buf.Write(b)
		s.size += int64(n)
		return nil
	}

	if err := s.promote(); err != nil {
		return err
	}
	return s.Append(b)
}

// promote creates the spill file, seeds it with the in-memory prefix, and
// unlinks it immediately: the open file descriptor keeps the data
// accessible for the lifetime of the process without leaving a path on
// disk for anyone else to find or for cleanup code to forget about.
func (s *Spool) promote() error {
	f, err := ioutil.TempFile(s.dir, ".spool-")
	if err != nil {
		return fmt.Errorf("spool: creating spill file: %w", err)
	}

	if err := f.Chmod(0600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("spool: chmod spill file: %w", err)
	}

	if s.buf.Len() > 0 {
		if _, err := f.Write(s.buf.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("spool: seeding spill file: %w", err)
		}
	}

	// Unlink now: the descriptor stays valid, the path disappears.
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return fmt.Errorf("spool: unlinking spill file: %w", err)
	}

	s.file = f
	s.buf = bytes.Buffer{}
	return nil
}

// Promoted reports whether the spool has spilled to disk.
func (s *Spool) Promoted() bool { return s.file != nil }

// Size returns the total number of bytes appended so far.
func (s *Spool) Size() int64 { return s.size }

// Reader returns a fresh, independent reader over the full spool content.
// Multiple readers may be obtained and read concurrently (disk reads use
// ReadAt, which os.File implements safely for concurrent use; the
// in-memory case hands out an independent bytes.Reader per call).
func (s *Spool) Reader() io.Reader {
	if s.file != nil {
		return io.NewSectionReader(s.file, 0, s.size)
	}
	return bytes.NewReader(s.buf.Bytes())
}

// Close releases the spill file descriptor, if any. After Close, Reader
// must not be called again.
func (s *Spool) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
