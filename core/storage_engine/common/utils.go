package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// NewCopyLimiter returns a limiter that caps copies at rateBytesPerSec.
// A non-positive rate means unlimited and yields nil.
func NewCopyLimiter(rateBytesPerSec int64) *rate.Limiter {
	if rateBytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
}

// CopyThrottled copies srcPath to dstPath, waiting on limiter before every
// chunk. The limiter may be shared between concurrent copies. It returns the
// sha256 of the copied bytes.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, limiter *rate.Limiter) ([]byte, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var (
		readOff int64
		sum     = sha256.New()
	)

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return nil, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("write error: %w", werr)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("sync error: %w", err)
	}
	return sum.Sum(nil), nil
}
