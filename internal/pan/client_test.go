package pan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knifezred/123strm/internal/retry"
)

type stubTokens struct {
	tok         string
	invalidated atomic.Int32
}

func (s *stubTokens) Get(context.Context, string, string) (string, error) { return s.tok, nil }
func (s *stubTokens) Invalidate(string)                                   { s.invalidated.Add(1) }

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 4, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *stubTokens) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tokens := &stubTokens{tok: "tok"}
	return NewClient(tokens, WithBaseURL(srv.URL), WithRetryConfig(fastRetry())), tokens
}

func writeEnvelope(w http.ResponseWriter, code int, message string, data any) {
	resp := map[string]any{"code": code, "message": message, "data": data}
	json.NewEncoder(w).Encode(resp)
}

func TestListFolderPagination(t *testing.T) {
	var requests atomic.Int32
	pages := map[string]struct {
		files []File
		next  int64
	}{
		"":  {[]File{{FileID: 1, Filename: "a.mp4"}}, 1},
		"1": {[]File{{FileID: 2, Filename: "b.mp4"}}, 2},
		"2": {[]File{{FileID: 3, Filename: "c.mp4"}}, LastPageSentinel},
	}
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Platform"); got != "open_platform" {
			t.Errorf("platform = %q", got)
		}
		p := pages[r.URL.Query().Get("lastFileId")]
		writeEnvelope(w, 0, "ok", map[string]any{"lastFileId": p.next, "fileList": p.files})
	}))

	cred := Credentials{ClientID: "cid", ClientSecret: "sec"}
	var all []File
	var cursor int64
	for {
		files, next, err := client.ListFolder(context.Background(), cred, 100, cursor)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, files...)
		if next == LastPageSentinel {
			break
		}
		cursor = next
	}

	if len(all) != 3 {
		t.Fatalf("files = %d, want 3", len(all))
	}
	if requests.Load() != 3 {
		t.Fatalf("requests = %d, want 3", requests.Load())
	}
}

func TestAuthRejectionInvalidatesToken(t *testing.T) {
	client, tokens := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 401, "access_token invalid", nil)
	}))

	_, err := client.FileDetail(context.Background(), Credentials{ClientID: "cid"}, 42)
	if !IsAuthError(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if tokens.invalidated.Load() != 1 {
		t.Fatalf("invalidations = %d, want 1", tokens.invalidated.Load())
	}
}

func TestThrottleCoolsDownThenSurfaces(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 429, "too many requests", nil)
	}))

	var slept time.Duration
	client.sleep = func(_ context.Context, d time.Duration) error {
		slept += d
		return nil
	}

	_, err := client.FileDetail(context.Background(), Credentials{ClientID: "cid"}, 42)
	var ae *APIError
	if !errors.As(err, &ae) || ae.Code != 429 {
		t.Fatalf("err = %v, want code 429", err)
	}
	if slept != rateLimitCooldown {
		t.Fatalf("slept %v, want %v", slept, rateLimitCooldown)
	}
}

func TestTransportErrorsAreRetried(t *testing.T) {
	var requests atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeEnvelope(w, 0, "ok", File{FileID: 42, Filename: "ep1.mp4"})
	}))

	f, err := client.FileDetail(context.Background(), Credentials{ClientID: "cid"}, 42)
	if err != nil {
		t.Fatal(err)
	}
	if f.FileID != 42 {
		t.Fatalf("file id = %d", f.FileID)
	}
	if requests.Load() != 3 {
		t.Fatalf("requests = %d, want 3", requests.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var requests atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := client.FileDetail(context.Background(), Credentials{ClientID: "cid"}, 42)
	if err == nil {
		t.Fatal("expected error")
	}
	if requests.Load() != 1 {
		t.Fatalf("requests = %d, want 1", requests.Load())
	}
}

func TestTrashSendsFileIDs(t *testing.T) {
	var got trashRequest
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/file/trash" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		writeEnvelope(w, 0, "ok", nil)
	}))

	if err := client.Trash(context.Background(), Credentials{ClientID: "cid"}, []int64{42, 43}); err != nil {
		t.Fatal(err)
	}
	if len(got.FileIDs) != 2 || got.FileIDs[0] != 42 {
		t.Fatalf("file ids = %v", got.FileIDs)
	}
}

func TestAuthParsesToken(t *testing.T) {
	expire := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/access_token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeEnvelope(w, 0, "ok", map[string]string{
			"accessToken": "fresh",
			"expiredAt":   expire.Format(time.RFC3339),
		})
	}))

	tok, expiresAt, err := client.Auth(context.Background(), "cid", "sec")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "fresh" {
		t.Fatalf("token = %q", tok)
	}
	if !expiresAt.Equal(expire) {
		t.Fatalf("expires = %v, want %v", expiresAt, expire)
	}
}

func TestDownloadToWritesAtomically(t *testing.T) {
	client, _ := newTestClient(t, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "media bytes")
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "sub", "poster.jpg")
	if err := client.DownloadTo(context.Background(), srv.URL, dest); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "media bytes" {
		t.Fatalf("content = %q", data)
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}
