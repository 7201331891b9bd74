package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	payload := bytes.Repeat([]byte("minidb"), 300_000)
	require.NoError(t, os.WriteFile(src, payload, 0644))

	sum, err := CopyThrottled(context.Background(), src, dst, NewCopyLimiter(64<<20))
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	want := sha256.Sum256(payload)
	require.Equal(t, want[:], sum)
}

func TestCopyThrottledCancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, make([]byte, 4*chunkSize), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := CopyThrottled(ctx, src, filepath.Join(dir, "dst"), NewCopyLimiter(1024))
	require.Error(t, err)
}

func TestNewCopyLimiterUnlimited(t *testing.T) {
	require.Nil(t, NewCopyLimiter(0))
	require.NotNil(t, NewCopyLimiter(1))
}
