// Package token caches vendor access tokens on disk, one file per client id.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/logging"
)

// expiryMargin is how long before the recorded expiry a token is already
// treated as expired and refreshed eagerly.
const expiryMargin = 24 * time.Hour

// Store provides access tokens for API calls.
type Store interface {
	// Get returns a valid token for the client id, refreshing if needed.
	Get(ctx context.Context, clientID, clientSecret string) (string, error)
	// Invalidate evicts any cached token for the client id. The next Get
	// is guaranteed to refresh.
	Invalidate(clientID string)
}

// AuthFunc requests a fresh token from the auth endpoint.
type AuthFunc func(ctx context.Context, clientID, clientSecret string) (token string, expiresAt time.Time, err error)

// cacheFile is the on-disk token format, shared with the other tooling
// that reads these files.
type cacheFile struct {
	AccessToken string `json:"accessToken"`
	ExpiredAt   string `json:"expiredAt"`
}

// FileStore is the disk-backed token cache.
type FileStore struct {
	dir  string
	auth AuthFunc
	now  func() time.Time

	// Serializes refreshes per client id so concurrent jobs sharing an
	// account do not issue duplicate auth calls. Unrelated client ids
	// refresh independently.
	locks *xsync.MapOf[string, *sync.Mutex]

	invalidated *xsync.MapOf[string, struct{}]
}

// NewFileStore creates a token cache storing files under dir.
func NewFileStore(dir string, auth AuthFunc) *FileStore {
	return &FileStore{
		dir:         dir,
		auth:        auth,
		now:         time.Now,
		locks:       xsync.NewMapOf[string, *sync.Mutex](),
		invalidated: xsync.NewMapOf[string, struct{}](),
	}
}

func (s *FileStore) cachePath(clientID string) string {
	return filepath.Join(s.dir, "token_cache_"+clientID+".json")
}

// Get returns a cached token when it is still valid past the expiry
// margin, otherwise refreshes through the auth endpoint and persists the
// result. Any error reading or parsing the cache file falls through to a
// refresh.
func (s *FileStore) Get(ctx context.Context, clientID, clientSecret string) (string, error) {
	mu, _ := s.locks.LoadOrStore(clientID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()

	if _, skip := s.invalidated.Load(clientID); !skip {
		if tok, ok := s.readCached(clientID); ok {
			return tok, nil
		}
	}

	tok, expiresAt, err := s.auth(ctx, clientID, clientSecret)
	if err != nil {
		return "", fmt.Errorf("refresh token for client %s: %w", clientID, err)
	}

	if err := s.write(clientID, tok, expiresAt); err != nil {
		// A failed write only costs us a refresh on the next call.
		logging.Warn("token cache write failed",
			zap.String("client_id", clientID), zap.Error(err))
	}
	s.invalidated.Delete(clientID)
	return tok, nil
}

func (s *FileStore) readCached(clientID string) (string, bool) {
	data, err := os.ReadFile(s.cachePath(clientID))
	if err != nil {
		return "", false
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return "", false
	}

	expiresAt, err := parseExpiry(cf.ExpiredAt)
	if err != nil || cf.AccessToken == "" {
		return "", false
	}

	if !expiresAt.After(s.now().Add(expiryMargin)) {
		// Expiring within the margin: drop the file and refresh now.
		_ = os.Remove(s.cachePath(clientID))
		return "", false
	}
	return cf.AccessToken, true
}

func (s *FileStore) write(clientID, tok string, expiresAt time.Time) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cacheFile{
		AccessToken: tok,
		ExpiredAt:   expiresAt.Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}

	// Temp file then rename so a concurrent reader never sees a torn write.
	path := s.cachePath(clientID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Invalidate evicts the cached token for clientID. Visible to the very
// next Get call.
func (s *FileStore) Invalidate(clientID string) {
	s.invalidated.Store(clientID, struct{}{})
	if err := os.Remove(s.cachePath(clientID)); err != nil && !os.IsNotExist(err) {
		logging.Warn("token cache remove failed",
			zap.String("client_id", clientID), zap.Error(err))
	}
}

// parseExpiry accepts the vendor's ISO-8601 timestamps with or without
// sub-second precision.
func parseExpiry(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiry timestamp %q", s)
}
