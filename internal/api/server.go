// Package api serves the HTTP surface: media URL redirects, job
// management and the configuration endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/metrics"
	"github.com/knifezred/123strm/internal/pan"
	"github.com/knifezred/123strm/internal/runner"
)

// CloudClient is the slice of the cloud API the handlers need.
// *pan.Client satisfies it.
type CloudClient interface {
	ListFolder(ctx context.Context, cred pan.Credentials, parentID, lastFileID int64) ([]pan.File, int64, error)
	FileInfos(ctx context.Context, cred pan.Credentials, fileIDs []int64) ([]pan.File, error)
	DownloadURL(ctx context.Context, cred pan.Credentials, fileID int64) (string, error)
	UploadFile(ctx context.Context, cred pan.Credentials, parentID int64, remoteName, localPath string, duplicate int, containDir bool) (int64, error)
}

// Server wires the HTTP handlers to the job runner and configuration.
type Server struct {
	cfg    *config.Manager
	runner *runner.Runner
	client CloudClient
	urls   *pan.URLCache

	// onConfigSaved runs after save_config persisted and reloaded the
	// configuration, letting the caller restart config-derived services.
	onConfigSaved func()
}

// New creates the API server. onConfigSaved may be nil.
func New(cfg *config.Manager, r *runner.Runner, client CloudClient, urls *pan.URLCache, onConfigSaved func()) *Server {
	return &Server{cfg: cfg, runner: r, client: client, urls: urls, onConfigSaved: onConfigSaved}
}

// Handler builds the routing table with logging and metrics middleware
// applied to every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /get_file_url/{file_id}/{job_id}", s.handleFileURL)
	mux.HandleFunc("GET /get_config", s.handleGetConfig)
	mux.HandleFunc("POST /save_config", s.handleSaveConfig)
	mux.HandleFunc("GET /get_job_ids", s.handleJobIDs)
	mux.HandleFunc("GET /get_job_target_dir/{job_id}", s.handleJobTargetDir)
	mux.HandleFunc("GET /get_job_folders/{job_id}/{folder_id}", s.handleJobFolders)
	mux.HandleFunc("POST /scrape_directory", s.handleScrape)
	mux.HandleFunc("POST /upload_directory", s.handleUpload)
	mux.Handle("GET /metrics", metrics.Handler())

	return logging.Middleware(metrics.Middleware(mux))
}

// ListenAndServe runs the server until ctx is canceled, then shuts it
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info("http server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// envelope is the uniform JSON response body.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Code: status, Message: message, Data: data}); err != nil {
		logging.Warn("response encode failed", zap.Error(err))
	}
}

func writeOK(w http.ResponseWriter, data any) { writeJSON(w, http.StatusOK, "success", data) }

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, message, nil)
}
