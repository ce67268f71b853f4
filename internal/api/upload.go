package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/pan"
)

const maxBodySize = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// handleUpload pushes a local directory tree into a remote folder.
// Uploaded files are removed locally, directories emptied by the upload
// are pruned, and an optional job run mirrors the new remote state back
// as pointer files.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID     string `json:"job_id"`
		SourceDir string `json:"source_dir"`
		FolderID  int64  `json:"folder_id"`
		RunJob    bool   `json:"run_job"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.JobID == "" || body.SourceDir == "" {
		writeError(w, http.StatusBadRequest, "job_id and source_dir are required")
		return
	}
	job, err := s.cfg.Job(body.JobID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if fi, err := os.Stat(body.SourceDir); err != nil || !fi.IsDir() {
		writeError(w, http.StatusBadRequest, "source_dir is not a directory")
		return
	}

	go s.uploadDirectory(job, body.SourceDir, body.FolderID, body.RunJob)
	writeOK(w, "upload started")
}

// uploadDirectory walks src and uploads every regular file, preserving
// the directory layout below the remote parent folder. Files already
// present remotely with the same content are reused by the server and
// count as uploaded.
func (s *Server) uploadDirectory(job config.Job, src string, parentID int64, runJob bool) {
	ctx := context.Background()
	cred := pan.Credentials{ClientID: job.ClientID, ClientSecret: job.ClientSecret}

	var uploaded, failed int
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		remoteName := filepath.ToSlash(rel)

		// containDir lets the server create intermediate folders from
		// the slash-separated name.
		_, err = s.client.UploadFile(ctx, cred, parentID, remoteName, path, 1, strings.Contains(remoteName, "/"))
		if err != nil {
			failed++
			if errors.Is(err, pan.ErrFileTooLarge) {
				logging.Warn("upload skipped", zap.String("path", path), zap.Error(err))
				return nil
			}
			logging.Error("upload failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		uploaded++

		if err := os.Remove(path); err != nil {
			logging.Warn("uploaded file not removed", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		logging.Error("upload walk failed", zap.String("dir", src), zap.Error(err))
	}

	pruneEmptyDirs(src)
	logging.Info("upload finished",
		zap.String("job", job.ID),
		zap.String("dir", src),
		zap.Int("uploaded", uploaded),
		zap.Int("failed", failed))

	if runJob && failed == 0 {
		if _, err := s.runner.Run(ctx, job.ID, 0, ""); err != nil {
			logging.Error("post-upload run failed", zap.String("job", job.ID), zap.Error(err))
		}
	}
}

// pruneEmptyDirs removes directories under root left empty by the
// upload, deepest first. root itself stays.
func pruneEmptyDirs(root string) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})

	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			logging.Debug("pruned empty directory", zap.String("path", dir))
		}
	}
}
