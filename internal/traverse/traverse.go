// Package traverse walks a remote folder tree and materializes the local
// mirror, producing the manifest reconciliation runs against.
package traverse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/classify"
	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/manifest"
	"github.com/knifezred/123strm/internal/metrics"
	"github.com/knifezred/123strm/internal/pan"
)

// Client is the slice of the cloud API the traverser needs. *pan.Client
// satisfies it; tests use fakes.
type Client interface {
	ListFolder(ctx context.Context, cred pan.Credentials, parentID, lastFileID int64) ([]pan.File, int64, error)
	FileDetail(ctx context.Context, cred pan.Credentials, fileID int64) (*pan.File, error)
	DownloadURL(ctx context.Context, cred pan.Credentials, fileID int64) (string, error)
	DownloadTo(ctx context.Context, signedURL, dest string) error
}

// Traverser walks one job's remote tree depth-first, page by page.
type Traverser struct {
	client Client
	job    config.Job
	cred   pan.Credentials

	manifest   manifest.Manifest
	branchErrs int
}

// New creates a traverser for one job run.
func New(client Client, job config.Job) *Traverser {
	return &Traverser{
		client:   client,
		job:      job,
		cred:     pan.Credentials{ClientID: job.ClientID, ClientSecret: job.ClientSecret},
		manifest: manifest.New(),
	}
}

// Manifest returns the paths materialized so far, keyed by absolute local
// path.
func (t *Traverser) Manifest() manifest.Manifest { return t.manifest }

// BranchErrors returns how many subtrees were abandoned due to errors.
// A partial manifest from a run with branch errors must not drive
// reconciliation: previously materialized files under the failed branches
// would look stale.
func (t *Traverser) BranchErrors() int { return t.branchErrs }

// Traverse walks the tree under folderID. A zero folderID means "all
// configured roots for this job", each contributing to the shared
// manifest. parentPath is the folder's path relative to the target root,
// empty to have the folder's display name resolved remotely.
func (t *Traverser) Traverse(ctx context.Context, folderID int64, parentPath string) error {
	if folderID != 0 {
		t.walkFolder(ctx, folderID, parentPath)
		return nil
	}

	for _, root := range t.job.RootFolderIDs {
		id, err := strconv.ParseInt(root, 10, 64)
		if err != nil {
			return fmt.Errorf("job %s: bad root folder id %q: %w", t.job.ID, root, err)
		}
		t.walkFolder(ctx, id, parentPath)
	}
	return nil
}

// walkFolder lists one folder and processes all its pages. Errors abort
// only this branch: they are logged and counted, and siblings continue.
func (t *Traverser) walkFolder(ctx context.Context, folderID int64, parentPath string) {
	if parentPath == "" && folderID != 0 {
		// Seed the path with the folder's own display name so the local
		// tree keeps the remote root's name.
		detail, err := t.client.FileDetail(ctx, t.cred, folderID)
		if err != nil {
			t.branchFailed(folderID, parentPath, err)
			return
		}
		parentPath = detail.Filename
	}

	logging.Info("traversing folder",
		zap.String("job", t.job.ID),
		zap.Int64("folder_id", folderID),
		zap.String("path", parentPath))

	var cursor int64
	for {
		entries, next, err := t.client.ListFolder(ctx, t.cred, folderID, cursor)
		if err != nil {
			t.branchFailed(folderID, parentPath, err)
			return
		}
		metrics.PageListed()

		// The full page is processed before the next one is requested.
		for i := range entries {
			t.processEntry(ctx, &entries[i], parentPath)
		}

		if next == pan.LastPageSentinel || next <= 0 {
			return
		}
		cursor = next
	}
}

func (t *Traverser) processEntry(ctx context.Context, entry *pan.File, parentPath string) {
	if entry.IsDir() {
		childRel := filepath.Join(parentPath, entry.Filename)
		t.manifest.Add(filepath.Join(t.job.TargetDir, childRel), entry.FileID)
		// Depth-first: finish the subtree before the next sibling.
		t.walkFolder(ctx, entry.FileID, childRel)
		return
	}

	action := classify.Classify(entry.FileID, entry.Filename, parentPath, t.job)
	metrics.FileClassified(action.Kind.String())

	switch action.Kind {
	case classify.EmitStrm:
		if err := t.writeStrm(action); err != nil {
			logging.Error("strm write failed",
				zap.String("job", t.job.ID),
				zap.String("path", action.TargetPath),
				zap.Error(err))
			return
		}
		t.manifest.Add(action.TargetPath, entry.FileID)

	case classify.Download:
		if err := t.download(ctx, entry.FileID, action.TargetPath); err != nil {
			logging.Error("download failed",
				zap.String("job", t.job.ID),
				zap.String("path", action.TargetPath),
				zap.Error(err))
			return
		}
		t.manifest.Add(action.TargetPath, entry.FileID)
	}
}

// writeStrm materializes a pointer file. An existing file is left alone
// unless the job overwrites, so unchanged remote trees cause zero writes.
func (t *Traverser) writeStrm(action classify.Action) error {
	if err := os.MkdirAll(filepath.Dir(action.TargetPath), 0o755); err != nil {
		return err
	}

	if !t.job.Overwrite {
		if _, err := os.Stat(action.TargetPath); err == nil {
			return nil
		}
	}

	if err := os.WriteFile(action.TargetPath, []byte(action.URL), 0o644); err != nil {
		return err
	}
	logging.Info("strm generated",
		zap.String("job", t.job.ID), zap.String("path", action.TargetPath))
	return nil
}

// download fetches remote content if the target does not exist yet.
func (t *Traverser) download(ctx context.Context, fileID int64, target string) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	signedURL, err := t.client.DownloadURL(ctx, t.cred, fileID)
	if err != nil {
		return err
	}
	if err := t.client.DownloadTo(ctx, signedURL, target); err != nil {
		return err
	}
	logging.Info("downloaded",
		zap.String("job", t.job.ID), zap.String("path", target))
	return nil
}

func (t *Traverser) branchFailed(folderID int64, parentPath string, err error) {
	t.branchErrs++
	logging.Error("folder traversal failed, skipping branch",
		zap.String("job", t.job.ID),
		zap.Int64("folder_id", folderID),
		zap.String("path", parentPath),
		zap.Error(err))
}
