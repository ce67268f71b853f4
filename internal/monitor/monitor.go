// Package monitor watches local target directories and propagates .strm
// deletions back to the remote drive's trash.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/manifest"
	"github.com/knifezred/123strm/internal/pan"
)

// Trasher is the remote side of delete propagation. *pan.Client
// satisfies it.
type Trasher interface {
	Trash(ctx context.Context, cred pan.Credentials, fileIDs []int64) error
}

// Monitor mirrors local .strm deletions to the remote trash. Deleting a
// pointer file locally moves the backing remote file to trash, looked up
// through the persisted manifest.
type Monitor struct {
	client Trasher
	cfg    *config.Manager
	store  *manifest.Store

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a monitor; call Start to begin watching.
func New(client Trasher, cfg *config.Manager, store *manifest.Store) *Monitor {
	return &Monitor{client: client, cfg: cfg, store: store}
}

// Start begins watching every configured target directory recursively.
// Starting an already started monitor restarts it, picking up directory
// changes from a config reload. When watch_delete is off Start stops any
// active watcher and returns.
func (m *Monitor) Start() error {
	m.Stop()

	if !m.cfg.Settings().WatchDelete {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	roots := m.targetDirs()
	for _, root := range roots {
		if err := addRecursive(watcher, root); err != nil {
			logging.Warn("watch failed", zap.String("dir", root), zap.Error(err))
		}
	}
	logging.Info("delete watcher started", zap.Strings("dirs", roots))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.watcher = watcher
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.loop(ctx, watcher, done)
	return nil
}

// Stop shuts the watcher down. Safe to call when not started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	watcher, cancel, done := m.watcher, m.cancel, m.done
	m.watcher, m.cancel, m.done = nil, nil, nil
	m.mu.Unlock()

	if watcher == nil {
		return
	}
	cancel()
	watcher.Close()
	<-done
}

func (m *Monitor) targetDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, id := range m.cfg.JobIDs() {
		job, err := m.cfg.Job(id)
		if err != nil {
			continue
		}
		if !seen[job.TargetDir] {
			seen[job.TargetDir] = true
			dirs = append(dirs, job.TargetDir)
		}
	}
	return dirs
}

func (m *Monitor) loop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			m.handle(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", zap.Error(err))
		}
	}
}

func (m *Monitor) handle(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		// New subdirectories must be watched too.
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := addRecursive(watcher, event.Name); err != nil {
				logging.Warn("watch failed", zap.String("dir", event.Name), zap.Error(err))
			}
		}
		return
	}

	if !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	if !strings.EqualFold(filepath.Ext(event.Name), ".strm") {
		return
	}
	m.trashRemote(ctx, event.Name)
}

// trashRemote resolves the deleted pointer file to its remote id through
// the manifest and moves the remote file to trash.
func (m *Monitor) trashRemote(ctx context.Context, path string) {
	fileID, jobID, ok := m.store.Lookup(path)
	if !ok {
		logging.Debug("deleted strm not in manifest", zap.String("path", path))
		return
	}

	job, err := m.cfg.Job(jobID)
	if err != nil {
		logging.Warn("deleted strm belongs to unknown job",
			zap.String("path", path), zap.String("job", jobID))
		return
	}

	cred := pan.Credentials{ClientID: job.ClientID, ClientSecret: job.ClientSecret}
	if err := m.client.Trash(ctx, cred, []int64{fileID}); err != nil {
		logging.Error("remote trash failed",
			zap.String("path", path),
			zap.Int64("file_id", fileID),
			zap.Error(err))
		return
	}
	logging.Info("remote file trashed after local delete",
		zap.String("path", path),
		zap.Int64("file_id", fileID),
		zap.String("job", jobID))
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
