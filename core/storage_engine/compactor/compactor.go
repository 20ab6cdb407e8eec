// Package compactor performs the file-copy half of compaction: a throttled,
// optionally checksum-verified copy of a database file onto its replacement.
// The status choreography around the copy (compact-old, removed-pending,
// handle migration) belongs to the engine.
package compactor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize is the unit of the copy loop and the limiter burst.
const chunkSize = 4 * 1024 * 1024 // 4 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// ErrVerifyMismatch means the destination's checksum did not match the
// source after the copy.
var ErrVerifyMismatch = errors.New("compaction copy verification failed")

// Copy copies srcPath to dstPath, throttled to rateBytesPerSec (0 disables
// throttling). With verify set, both files are re-read and their SHA-256
// digests compared before returning.
func Copy(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open compaction source: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create compaction destination: %w", err)
	}
	defer func() {
		_ = dst.Sync()
		_ = dst.Close()
	}()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
	}

	var readOff int64
	srcSum := sha256.New()
	for {
		buf := bufPool.Get().([]byte)
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					bufPool.Put(buf)
					return fmt.Errorf("compaction rate limiter: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				bufPool.Put(buf)
				return fmt.Errorf("failed to write compaction destination: %w", err)
			}
			srcSum.Write(buf[:n])
			readOff += int64(n)
		}
		bufPool.Put(buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read compaction source: %w", rerr)
		}
	}

	if !verify {
		return nil
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("failed to sync compaction destination: %w", err)
	}
	dstSum, err := fileDigest(dstPath)
	if err != nil {
		return err
	}
	if !bytes.Equal(srcSum.Sum(nil), dstSum) {
		return ErrVerifyMismatch
	}
	return nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for verification: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
