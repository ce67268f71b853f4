package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/knifezred/123strm/internal/config"
	"github.com/knifezred/123strm/internal/manifest"
	"github.com/knifezred/123strm/internal/pan"
	"github.com/knifezred/123strm/internal/runner"
)

type fakeCloud struct {
	urlCalls int
	folders  []pan.File
}

func (f *fakeCloud) ListFolder(context.Context, pan.Credentials, int64, int64) ([]pan.File, int64, error) {
	return f.folders, pan.LastPageSentinel, nil
}

func (f *fakeCloud) FileInfos(_ context.Context, _ pan.Credentials, ids []int64) ([]pan.File, error) {
	infos := make([]pan.File, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, pan.File{FileID: id, Filename: fmt.Sprintf("folder-%d", id), Type: pan.EntryTypeFolder})
	}
	return infos, nil
}

func (f *fakeCloud) DownloadURL(_ context.Context, _ pan.Credentials, fileID int64) (string, error) {
	f.urlCalls++
	return fmt.Sprintf("https://signed.example/%d", fileID), nil
}

func (f *fakeCloud) UploadFile(context.Context, pan.Credentials, int64, string, string, int, bool) (int64, error) {
	return 1, nil
}

func newTestServer(t *testing.T, cloud *fakeCloud, onSaved func()) (*Server, *config.Manager) {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`client_id: cid
client_secret: sec
root_folder_id: "100"
target_dir: %s
cache_expire_time: 300
job_list:
  - id: job1
`, t.TempDir())
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr, err := config.NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	r := runner.New(nil, mgr, manifest.NewStore(dir))
	return New(mgr, r, cloud, pan.NewURLCache(), onSaved), mgr
}

func TestFileURLRedirects(t *testing.T) {
	cloud := &fakeCloud{}
	s, _ := newTestServer(t, cloud, nil)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/get_file_url/42/job1", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if loc := rec.Header().Get("Location"); loc != "https://signed.example/42" {
		t.Fatalf("location = %q", loc)
	}

	// Second request for the same file is served from the URL cache.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/get_file_url/42/job1", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if cloud.urlCalls != 1 {
		t.Fatalf("upstream calls = %d, want 1", cloud.urlCalls)
	}
}

func TestFileURLValidation(t *testing.T) {
	s, _ := newTestServer(t, &fakeCloud{}, nil)
	h := s.Handler()

	cases := []struct {
		path string
		want int
	}{
		{"/get_file_url/abc/job1", http.StatusBadRequest},
		{"/get_file_url/-5/job1", http.StatusBadRequest},
		{"/get_file_url/42/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.path, rec.Code, tc.want)
		}
	}
}

func TestJobIDs(t *testing.T) {
	s, _ := newTestServer(t, &fakeCloud{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/get_job_ids", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "job1") {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestJobFoldersRoot(t *testing.T) {
	s, _ := newTestServer(t, &fakeCloud{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/get_job_folders/job1/root", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "folder-100") {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestJobFoldersListsOnlyDirectories(t *testing.T) {
	cloud := &fakeCloud{folders: []pan.File{
		{FileID: 1, Filename: "season1", Type: pan.EntryTypeFolder},
		{FileID: 2, Filename: "ep1.mp4", Type: pan.EntryTypeFile},
	}}
	s, _ := newTestServer(t, cloud, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/get_job_folders/job1/100", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "season1") || strings.Contains(body, "ep1.mp4") {
		t.Fatalf("body = %s", body)
	}
}

func TestSaveConfigPersistsAndNotifies(t *testing.T) {
	notified := false
	s, mgr := newTestServer(t, &fakeCloud{}, func() { notified = true })

	newCfg := `client_id: cid
client_secret: sec
root_folder_id: "100"
target_dir: /tmp/media
cron: "30 4 * * *"
job_list:
  - id: job1
`
	body := fmt.Sprintf(`{"config": %q}`, newCfg)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/save_config", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := mgr.Settings().Cron; got != "30 4 * * *" {
		t.Fatalf("cron = %q", got)
	}
	if !notified {
		t.Fatal("onConfigSaved not called")
	}
	if _, err := os.Stat(filepath.Join(mgr.Dir(), "config.bak.yml")); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
}

func TestSaveConfigRejectsBadYAML(t *testing.T) {
	s, _ := newTestServer(t, &fakeCloud{}, nil)
	rec := httptest.NewRecorder()
	body := `{"config": "\tnot yaml"}`
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/save_config", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestScrapeValidation(t *testing.T) {
	s, _ := newTestServer(t, &fakeCloud{}, nil)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/scrape_directory", strings.NewReader(`{"job_id":"nope"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/scrape_directory", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing job: status = %d", rec.Code)
	}
}

func TestGetConfigReturnsYAML(t *testing.T) {
	s, _ := newTestServer(t, &fakeCloud{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/get_config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "job_list") {
		t.Fatalf("body = %s", rec.Body)
	}
}
