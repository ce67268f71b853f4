package pan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/knifezred/123strm/internal/logging"
	"github.com/knifezred/123strm/internal/metrics"
	"github.com/knifezred/123strm/internal/retry"
	"github.com/knifezred/123strm/internal/token"
)

const (
	// DefaultBaseURL is the vendor API endpoint.
	DefaultBaseURL = "https://open-api.123pan.com"

	// PageSize is the list page size.
	PageSize = 100

	requestTimeout = 30 * time.Second

	// rateLimitCooldown is how long to back off after the vendor reports
	// request throttling, before surfacing the error.
	rateLimitCooldown = 30 * time.Second
)

// APIError is a non-zero application code from the vendor.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// IsAuthError reports whether err is the vendor rejecting our token.
func IsAuthError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == 401
}

// Credentials identify the account a call runs under.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Client talks to the 123pan open API with per-endpoint pacing, token
// management and the retry policy for transport failures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// dlClient shares the transport but carries no timeout; large media
	// downloads legitimately outlast the API request timeout.
	dlClient *http.Client
	tokens   token.Store
	retryCfg retry.Config

	// The vendor throttles per endpoint. List spacing is ~0.34s (3 QPS),
	// trash is 1 QPS.
	listLimiter  *rate.Limiter
	trashLimiter *rate.Limiter

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithRetryConfig overrides the transport retry policy (tests).
func WithRetryConfig(cfg retry.Config) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client. tokens resolves and caches access tokens;
// the Client registers itself as the auth endpoint is its own concern.
func NewClient(tokens token.Store, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		tokens:       tokens,
		retryCfg:     retry.APIConfig(),
		listLimiter:  rate.NewLimiter(rate.Every(340*time.Millisecond), 1),
		trashLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dlClient = &http.Client{Transport: c.httpClient.Transport}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Auth requests a fresh access token. Shaped as a token.AuthFunc so the
// token store can call back into the client.
func (c *Client) Auth(ctx context.Context, clientID, clientSecret string) (string, time.Time, error) {
	body, err := json.Marshal(accessTokenRequest{ClientID: clientID, ClientSecret: clientSecret})
	if err != nil {
		return "", time.Time{}, err
	}

	var result accessTokenResponse
	err = retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/access_token", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Platform", "open_platform")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.Retryable(fmt.Errorf("auth endpoint returned %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("auth failed (%d): %s", resp.StatusCode, string(data))
		}
		return json.NewDecoder(resp.Body).Decode(&result)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	if result.Code != 0 {
		return "", time.Time{}, &APIError{Code: result.Code, Message: result.Message}
	}

	expiresAt, err := time.Parse(time.RFC3339, result.Data.ExpiredAt)
	if err != nil {
		// Vendor timestamps occasionally drop the zone. Fall back to a
		// conservative validity window instead of failing the login.
		expiresAt = time.Now().Add(29 * 24 * time.Hour)
	}
	return result.Data.AccessToken, expiresAt, nil
}

// call performs one authenticated JSON request. Transport errors are
// retried per the retry policy; a vendor 401 invalidates the cached token
// and surfaces; other non-zero codes cool down 30s and surface.
func (c *Client) call(ctx context.Context, cred Credentials, method, path string, reqBody, out any) error {
	endpoint := metrics.EndpointLabel(path)

	var envelope baseResponse
	raw, err := retry.DoWithResult(ctx, c.retryCfg, func() ([]byte, error) {
		tok, err := c.tokens.Get(ctx, cred.ClientID, cred.ClientSecret)
		if err != nil {
			return nil, err
		}

		var body io.Reader
		if reqBody != nil {
			data, err := json.Marshal(reqBody)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Platform", "open_platform")
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.APICall(endpoint, "transport_error")
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			metrics.APICall(endpoint, strconv.Itoa(resp.StatusCode))
			return nil, retry.Retryable(fmt.Errorf("server returned %d", resp.StatusCode))
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			metrics.APICall(endpoint, "read_error")
			return nil, retry.Retryable(err)
		}
		if resp.StatusCode != http.StatusOK {
			metrics.APICall(endpoint, strconv.Itoa(resp.StatusCode))
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
		}
		metrics.APICall(endpoint, "ok")
		return data, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if envelope.Code != 0 {
		apiErr := &APIError{Code: envelope.Code, Message: envelope.Message}
		if envelope.Code == 401 {
			// Token rejected: evict it so the next call re-authenticates.
			c.tokens.Invalidate(cred.ClientID)
			metrics.APICall(endpoint, "auth_rejected")
			return apiErr
		}
		// Vendor-side throttling. Cool down before surfacing so the
		// caller's next request has a chance.
		metrics.APICall(endpoint, "throttled")
		logging.Warn("api throttled, cooling down",
			zap.String("endpoint", endpoint), zap.Int("code", envelope.Code))
		if serr := c.sleep(ctx, rateLimitCooldown); serr != nil {
			return serr
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// ListFolder fetches one page of up to PageSize entries under parentID.
// lastFileID is the pagination cursor (0 for the first page). The second
// return value is the cursor for the next page, or LastPageSentinel.
func (c *Client) ListFolder(ctx context.Context, cred Credentials, parentID, lastFileID int64) ([]File, int64, error) {
	if err := c.listLimiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	path := fmt.Sprintf("/api/v2/file/list?parentFileId=%d&limit=%d", parentID, PageSize)
	if lastFileID > 0 {
		path += fmt.Sprintf("&lastFileId=%d", lastFileID)
	}

	var result fileListResponse
	if err := c.call(ctx, cred, "GET", path, nil, &result); err != nil {
		return nil, 0, fmt.Errorf("list folder %d: %w", parentID, err)
	}
	return result.Data.FileList, result.Data.LastFileID, nil
}

// FileDetail fetches metadata for one file id.
func (c *Client) FileDetail(ctx context.Context, cred Credentials, fileID int64) (*File, error) {
	var result fileDetailResponse
	path := fmt.Sprintf("/api/v1/file/detail?fileID=%d", fileID)
	if err := c.call(ctx, cred, "GET", path, nil, &result); err != nil {
		return nil, fmt.Errorf("file detail %d: %w", fileID, err)
	}
	return &result.Data, nil
}

// FileInfos fetches metadata for a batch of file ids.
func (c *Client) FileInfos(ctx context.Context, cred Credentials, fileIDs []int64) ([]File, error) {
	var result fileInfosResponse
	if err := c.call(ctx, cred, "POST", "/api/v1/file/infos", fileInfosRequest{FileIDs: fileIDs}, &result); err != nil {
		return nil, fmt.Errorf("file infos: %w", err)
	}
	return result.Data.FileList, nil
}

// DownloadURL resolves a short-lived signed download URL for fileID.
func (c *Client) DownloadURL(ctx context.Context, cred Credentials, fileID int64) (string, error) {
	var result downloadInfoResponse
	path := fmt.Sprintf("/api/v1/file/download_info?fileId=%d", fileID)
	if err := c.call(ctx, cred, "GET", path, nil, &result); err != nil {
		return "", fmt.Errorf("download url %d: %w", fileID, err)
	}
	return result.Data.DownloadURL, nil
}

// Trash moves files to the recycle bin. Paced to 1 request per second.
func (c *Client) Trash(ctx context.Context, cred Credentials, fileIDs []int64) error {
	if err := c.trashLimiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.call(ctx, cred, "POST", "/api/v1/file/trash", trashRequest{FileIDs: fileIDs}, nil); err != nil {
		return fmt.Errorf("trash %v: %w", fileIDs, err)
	}
	return nil
}

// DownloadTo streams a signed URL into dest, creating parent directories.
// The write goes through a temp file so an interrupted download never
// leaves a half-written target behind.
func (c *Client) DownloadTo(ctx context.Context, signedURL, dest string) error {
	if _, err := url.Parse(signedURL); err != nil {
		return fmt.Errorf("bad download url: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	return retry.Do(ctx, retry.DefaultConfig(), func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", signedURL, nil)
		if err != nil {
			return err
		}

		resp, err := c.dlClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode >= 500 {
				return retry.Retryable(fmt.Errorf("download returned %d", resp.StatusCode))
			}
			return fmt.Errorf("download returned %d", resp.StatusCode)
		}

		tmp := dest + ".tmp"
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			os.Remove(tmp)
			return retry.Retryable(err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, dest); err != nil {
			os.Remove(tmp)
			return err
		}
		return nil
	})
}
