// Package reconcile removes local files and directories that are no
// longer backed by the remote tree.
package reconcile

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/manifest"
	"github.com/knifezred/123strm/internal/metrics"
)

// maxParallel bounds the number of sibling subtrees cleaned at once.
const maxParallel = 8

// Clean walks root bottom-up and deletes every file whose absolute path
// is not in the manifest, then every directory left empty. Sibling
// subtrees are cleaned in parallel; a parent is only considered for
// removal after all its children finished. The root itself is never
// removed. A missing root is a no-op.
func Clean(root string, m manifest.Manifest) error {
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		logging.Info("clean skipped, directory missing", zap.String("dir", root))
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}
	return cleanDir(root, m, false)
}

// cleanDir prunes one directory's subtree and, when removeSelf is set,
// removes the directory itself if it ended up empty and unmanifested.
func cleanDir(dir string, m manifest.Manifest, removeSelf bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			g.Go(func() error { return cleanDir(path, m, true) })
			continue
		}
		if m.Has(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			logging.Error("delete failed", zap.String("path", path), zap.Error(err))
			continue
		}
		metrics.LocalDelete("file")
		logging.Info("deleted stale file", zap.String("path", path))
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !removeSelf || m.Has(dir) {
		return nil
	}
	remaining, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	if err := os.Remove(dir); err != nil {
		logging.Error("delete failed", zap.String("path", dir), zap.Error(err))
		return nil
	}
	metrics.LocalDelete("dir")
	logging.Info("deleted empty directory", zap.String("path", dir))
	return nil
}
