// Package runner executes mirror jobs: remote traversal, manifest
// persistence and optional local cleanup.
package runner

import (
	"context"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/manifest"
	"github.com/knifezred/123strm/internal/metrics"
	"github.com/knifezred/123strm/internal/pan"
	"github.com/knifezred/123strm/internal/reconcile"
	"github.com/knifezred/123strm/internal/traverse"
)

// runAllPause spaces out consecutive jobs of a full run.
const runAllPause = time.Second

// Runner coordinates job execution. At most one run per job id is active
// at any time; overlapping triggers are dropped.
type Runner struct {
	client  traverse.Client
	cfg     *config.Manager
	store   *manifest.Store
	running *xsync.MapOf[string, struct{}]
}

// New creates a runner backed by the given cloud client, configuration
// and manifest store.
func New(client traverse.Client, cfg *config.Manager, store *manifest.Store) *Runner {
	return &Runner{
		client:  client,
		cfg:     cfg,
		store:   store,
		running: xsync.NewMapOf[string, struct{}](),
	}
}

// Running reports whether a run for jobID is currently active.
func (r *Runner) Running(jobID string) bool {
	_, ok := r.running.Load(jobID)
	return ok
}

// Run executes one job. folderID narrows the run to a single remote
// subtree; zero means the job's configured roots. If a run for the same
// job is already active the trigger is dropped and Run returns false.
func (r *Runner) Run(ctx context.Context, jobID string, folderID int64, parentPath string) (bool, error) {
	if _, loaded := r.running.LoadOrStore(jobID, struct{}{}); loaded {
		logging.Warn("job already running, trigger dropped", zap.String("job", jobID))
		return false, nil
	}
	defer r.running.Delete(jobID)

	start := time.Now()
	err := r.run(ctx, jobID, folderID, parentPath)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.JobRun(jobID, outcome, time.Since(start))
	return true, err
}

func (r *Runner) run(ctx context.Context, jobID string, folderID int64, parentPath string) error {
	job, err := r.cfg.Job(jobID)
	if err != nil {
		return err
	}

	logging.Info("job started", zap.String("job", jobID), zap.Int64("folder_id", folderID))

	tr := traverse.New(r.client, job)
	if err := tr.Traverse(ctx, folderID, parentPath); err != nil {
		return err
	}

	// Subtree runs merge into the same section as full runs, so both
	// see one manifest per job.
	if err := r.store.Save(jobID, tr.Manifest()); err != nil {
		return err
	}

	if r.cfg.Settings().CleanLocal && folderID == 0 {
		if n := tr.BranchErrors(); n > 0 {
			// A partial manifest would make intact files look stale.
			logging.Warn("skipping local cleanup after traversal errors",
				zap.String("job", jobID), zap.Int("branch_errors", n))
		} else if err := reconcile.Clean(job.TargetDir, tr.Manifest()); err != nil {
			logging.Error("local cleanup failed", zap.String("job", jobID), zap.Error(err))
		}
	}

	logging.Info("job finished",
		zap.String("job", jobID),
		zap.Int("files", len(tr.Manifest())),
		zap.Int("branch_errors", tr.BranchErrors()))
	return nil
}

// RunAll executes every configured job in order. A failing job does not
// stop the remaining ones.
func (r *Runner) RunAll(ctx context.Context) {
	ids := r.cfg.JobIDs()
	for i, id := range ids {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(runAllPause):
			}
		}
		if _, err := r.Run(ctx, id, 0, ""); err != nil {
			logging.Error("job failed", zap.String("job", id), zap.Error(err))
		}
	}
}

// Heartbeat touches the API once per configured credential pair so
// access tokens stay warm between scheduled runs. Expired tokens are
// refreshed by the client as a side effect.
func (r *Runner) Heartbeat(ctx context.Context) {
	seen := make(map[string]bool)
	for _, id := range r.cfg.JobIDs() {
		job, err := r.cfg.Job(id)
		if err != nil {
			continue
		}
		if seen[job.ClientID] || len(job.RootFolderIDs) == 0 {
			continue
		}
		seen[job.ClientID] = true

		cred := pan.Credentials{ClientID: job.ClientID, ClientSecret: job.ClientSecret}
		if _, err := r.client.FileDetail(ctx, cred, firstRootID(job)); err != nil {
			logging.Warn("heartbeat failed",
				zap.String("job", id), zap.Error(err))
		}
	}
}

func firstRootID(job config.Job) int64 {
	id, err := strconv.ParseInt(job.RootFolderIDs[0], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
