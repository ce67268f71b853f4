package api

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/metrics"
	"github.com/knifezred/123strm/internal/pan"
)

// handleFileURL resolves a pointer file's remote id to a fresh signed
// download URL and redirects the player to it. Resolved URLs are cached
// per file and job for the job's cache_expire_time.
func (s *Server) handleFileURL(w http.ResponseWriter, r *http.Request) {
	fileID, err := strconv.ParseInt(r.PathValue("file_id"), 10, 64)
	if err != nil || fileID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	jobID := r.PathValue("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}

	job, err := s.cfg.Job(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	key := jobID + "/" + r.PathValue("file_id")
	if url, ok := s.urls.Get(key); ok {
		metrics.Redirect("cache")
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	cred := pan.Credentials{ClientID: job.ClientID, ClientSecret: job.ClientSecret}
	url, err := s.client.DownloadURL(r.Context(), cred, fileID)
	if err != nil {
		logging.Error("download url resolution failed",
			zap.String("job", jobID), zap.Int64("file_id", fileID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream resolution failed")
		return
	}

	s.urls.Put(key, url, job.CacheExpire)
	metrics.Redirect("api")
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := yaml.Marshal(s.cfg.Settings())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, string(data))
}

// handleSaveConfig replaces the configuration. The body is the full YAML
// document; the previous file is kept as a backup.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Config string `json:"config"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var settings config.Settings
	if err := yaml.Unmarshal([]byte(body.Config), &settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid yaml: "+err.Error())
		return
	}
	if err := s.cfg.Save(settings); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.onConfigSaved != nil {
		s.onConfigSaved()
	}
	logging.Info("configuration saved")
	writeOK(w, nil)
}

func (s *Server) handleJobIDs(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.cfg.JobIDs())
}

func (s *Server) handleJobTargetDir(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Job(r.PathValue("job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeOK(w, job.TargetDir)
}

// folderInfo is one entry of a folder listing.
type folderInfo struct {
	FileID   int64  `json:"file_id"`
	Filename string `json:"filename"`
}

// handleJobFolders lists the subfolders of a folder for directory
// pickers. The literal folder id "root" resolves the job's configured
// root folders themselves.
func (s *Server) handleJobFolders(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Job(r.PathValue("job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	cred := pan.Credentials{ClientID: job.ClientID, ClientSecret: job.ClientSecret}

	if r.PathValue("folder_id") == "root" {
		s.writeRootFolders(r.Context(), w, cred, job)
		return
	}

	folderID, err := strconv.ParseInt(r.PathValue("folder_id"), 10, 64)
	if err != nil || folderID < 0 {
		writeError(w, http.StatusBadRequest, "invalid folder id")
		return
	}

	var folders []folderInfo
	var cursor int64
	for {
		entries, next, err := s.client.ListFolder(r.Context(), cred, folderID, cursor)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				folders = append(folders, folderInfo{FileID: e.FileID, Filename: e.Filename})
			}
		}
		if next == pan.LastPageSentinel || next <= 0 {
			break
		}
		cursor = next
	}
	writeOK(w, folders)
}

func (s *Server) writeRootFolders(ctx context.Context, w http.ResponseWriter, cred pan.Credentials, job config.Job) {
	var ids []int64
	for _, root := range job.RootFolderIDs {
		id, err := strconv.ParseInt(root, 10, 64)
		if err != nil || id == 0 {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		writeOK(w, []folderInfo{{FileID: 0, Filename: "/"}})
		return
	}

	infos, err := s.client.FileInfos(ctx, cred, ids)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	folders := make([]folderInfo, 0, len(infos))
	for _, f := range infos {
		folders = append(folders, folderInfo{FileID: f.FileID, Filename: f.Filename})
	}
	writeOK(w, folders)
}

// handleScrape triggers a job run, optionally narrowed to one remote
// subtree. The run happens in the background; an already active run for
// the job causes the trigger to be dropped.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID      string `json:"job_id"`
		FolderID   int64  `json:"folder_id"`
		ParentPath string `json:"parent_path"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.JobID == "" {
		writeError(w, http.StatusBadRequest, "missing job id")
		return
	}
	if _, err := s.cfg.Job(body.JobID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.runner.Running(body.JobID) {
		writeError(w, http.StatusConflict, "job is already running")
		return
	}

	go func() {
		if _, err := s.runner.Run(context.Background(), body.JobID, body.FolderID, body.ParentPath); err != nil {
			logging.Error("scrape run failed", zap.String("job", body.JobID), zap.Error(err))
		}
	}()
	writeOK(w, "job started")
}
