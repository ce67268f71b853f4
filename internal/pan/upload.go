package pan

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knifezred/123strm/internal/logging"
)

const (
	// MaxUploadSize caps non-instant uploads at 10 GiB.
	MaxUploadSize = 10 * 1024 * 1024 * 1024

	defaultSliceSize      = 4 * 1024 * 1024
	sliceUploadTimeout    = 5 * time.Minute
	uploadCompletePolls   = 120
	uploadCompleteBackoff = time.Second
)

// ErrFileTooLarge is returned for non-instant uploads above MaxUploadSize.
var ErrFileTooLarge = errors.New("file exceeds the 10GiB upload limit")

// UploadCreate registers an upload and checks for server-side matching
// (instant upload). duplicate is the vendor's conflict policy: 1 keeps
// both, 2 overwrites.
func (c *Client) UploadCreate(ctx context.Context, cred Credentials, parentID int64, filename, etag string, size int64, duplicate int, containDir bool) (*UploadSession, error) {
	var result uploadCreateResponse
	req := uploadCreateRequest{
		ParentFileID: parentID,
		Filename:     filename,
		Etag:         etag,
		Size:         size,
		Duplicate:    duplicate,
		ContainDir:   containDir,
	}
	if err := c.call(ctx, cred, "POST", "/upload/v2/file/create", req, &result); err != nil {
		return nil, fmt.Errorf("create upload %s: %w", filename, err)
	}
	return &result.Data, nil
}

// UploadSlice sends one slice to an upload server. sliceNo is 1-indexed;
// the slice's own MD5 is sent alongside for server-side verification.
func (c *Client) UploadSlice(ctx context.Context, cred Credentials, server, preuploadID string, sliceNo int64, data []byte) error {
	tok, err := c.tokens.Get(ctx, cred.ClientID, cred.ClientSecret)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("preuploadID", preuploadID); err != nil {
		return err
	}
	if err := w.WriteField("sliceNo", strconv.FormatInt(sliceNo, 10)); err != nil {
		return err
	}
	if err := w.WriteField("sliceMD5", hashMD5(data)); err != nil {
		return err
	}
	if err := w.WriteField("sliceSize", strconv.Itoa(len(data))); err != nil {
		return err
	}
	fw, err := w.CreateFormFile("slice", fmt.Sprintf("part%d", sliceNo))
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", ensureScheme(server)+"/upload/v2/file/slice", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Platform", "open_platform")
	req.Header.Set("Content-Type", w.FormDataContentType())

	client := &http.Client{Timeout: sliceUploadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload slice %d: %w", sliceNo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload slice %d: status %d: %s", sliceNo, resp.StatusCode, string(body))
	}

	var envelope baseResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("upload slice %d: %w", sliceNo, err)
	}
	if envelope.Code != 0 {
		return fmt.Errorf("upload slice %d: %w", sliceNo, &APIError{Code: envelope.Code, Message: envelope.Message})
	}
	return nil
}

// UploadComplete polls the completion endpoint until the server has
// assembled the slices, returning the new file id.
func (c *Client) UploadComplete(ctx context.Context, cred Credentials, preuploadID string) (int64, error) {
	for i := 0; i < uploadCompletePolls; i++ {
		var result uploadCompleteResponse
		err := c.call(ctx, cred, "POST", "/upload/v2/file/upload_complete", uploadCompleteRequest{PreuploadID: preuploadID}, &result)
		if err == nil && result.Data.Completed && result.Data.FileID != 0 {
			return result.Data.FileID, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(uploadCompleteBackoff):
		}
	}
	return 0, errors.New("upload completion timed out")
}

// UploadFile uploads a local file under parentID with the given remote
// name. Instant upload (server-side match by MD5) is honored; otherwise
// the file goes up in SliceSize chunks to the first returned server.
func (c *Client) UploadFile(ctx context.Context, cred Credentials, parentID int64, remoteName, localPath string, duplicate int, containDir bool) (int64, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return 0, err
	}
	size := fi.Size()

	etag, err := FileMD5(localPath)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", localPath, err)
	}

	session, err := c.UploadCreate(ctx, cred, parentID, remoteName, etag, size, duplicate, containDir)
	if err != nil {
		return 0, err
	}
	if session.Reuse {
		logging.Info("instant upload matched",
			zap.String("file", remoteName), zap.Int64("size", size))
		return session.FileID, nil
	}

	if size > MaxUploadSize {
		return 0, ErrFileTooLarge
	}
	if len(session.Servers) == 0 {
		return 0, errors.New("no upload server returned")
	}

	sliceSize := session.SliceSize
	if sliceSize <= 0 {
		sliceSize = defaultSliceSize
	}

	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, sliceSize)
	server := session.Servers[0]
	for sliceNo := int64(1); ; sliceNo++ {
		n, rerr := io.ReadFull(f, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			return 0, fmt.Errorf("read slice %d: %w", sliceNo, rerr)
		}
		if err := c.UploadSlice(ctx, cred, server, session.PreuploadID, sliceNo, buf[:n]); err != nil {
			return 0, err
		}
		if rerr == io.ErrUnexpectedEOF {
			break
		}
	}

	return c.UploadComplete(ctx, cred, session.PreuploadID)
}

// FileMD5 hashes a file without loading it into memory.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func ensureScheme(server string) string {
	if !strings.HasPrefix(server, "http") {
		return "https://" + server
	}
	return server
}
