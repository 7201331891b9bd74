package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ManifestFile is written next to the copied files.
const ManifestFile = "manifest.yaml"

// BackupFile describes one copied file.
type BackupFile struct {
	Name   string `yaml:"name"`
	SHA256 string `yaml:"sha256"`
}

// BackupManifest lists what a backup holds.
type BackupManifest struct {
	Source  string       `yaml:"source"`
	TakenAt time.Time    `yaml:"taken_at"`
	Files   []BackupFile `yaml:"files"`
}

// Backup copies the database files into dir, at most rateBytesPerSec bytes
// per second over all files together (unlimited when not positive). Dirty
// pages are written first. The copy opens like a crashed database: recovery
// keeps what was committed when the copy was taken and rolls back the rest.
// Writes running during the copy may leave it inconsistent.
func (e *Engine) Backup(ctx context.Context, dir string, rateBytesPerSec int64) (*BackupManifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir: %w", err)
	}
	for _, name := range Files(filepath.Join(dir, filepath.Base(e.cfg.Path))) {
		if _, err := os.Stat(name); err == nil {
			return nil, fmt.Errorf("%s: %w", name, common.ErrFileExists)
		}
	}
	if err := e.dm.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush before backup: %w", err)
	}

	limiter := common.NewCopyLimiter(rateBytesPerSec)
	sources := Files(e.cfg.Path)
	files := make([]BackupFile, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			name := filepath.Base(src)
			sum, err := common.CopyThrottled(gctx, src, filepath.Join(dir, name), limiter)
			if err != nil {
				return fmt.Errorf("failed to copy %s: %w", name, err)
			}
			files[i] = BackupFile{Name: name, SHA256: hex.EncodeToString(sum)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	manifest := &BackupManifest{Source: e.cfg.Path, TakenAt: time.Now().UTC(), Files: files}
	raw, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), raw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	e.logger.Info("backup taken", zap.String("dir", dir), zap.Int("files", len(files)))
	return manifest, nil
}

// ReadManifest reads the manifest of the backup in dir.
func ReadManifest(dir string) (*BackupManifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m BackupManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}
