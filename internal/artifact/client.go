// ABOUTME: Artifact store client for fetching and persisting generated images
// ABOUTME: Downloads by URL with signature validation, uploads to a disk-backed bucket

package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUpload is returned when an artifact cannot be persisted.
var ErrUpload = errors.New("failed to upload image to storage")

// ErrDownload is returned by callers when Download yields no payload.
var ErrDownload = errors.New("failed to download image")

// maxDownloadSize caps artifact downloads at 32 MiB.
const maxDownloadSize = 32 << 20

// PNG and RIFF/WEBP file signatures (first four bytes).
var (
	signaturePNG  = []byte{0x89, 0x50, 0x4E, 0x47}
	signatureRIFF = []byte{0x52, 0x49, 0x46, 0x46}
)

// UploadOptions carries metadata stored alongside an artifact.
type UploadOptions struct {
	ContentType  string
	CacheControl string
}

// Client fetches remote images and stores artifacts in a disk-backed bucket,
// serving them back under a public base URL.
type Client struct {
	http    *http.Client
	dir     string
	baseURL string
	logger  *slog.Logger
}

// New creates an artifact client storing files under dir and exposing them
// at baseURL. The bucket directory is created if needed.
func New(dir, baseURL string) (*Client, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Client{
		http:    &http.Client{Timeout: 60 * time.Second},
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  slog.Default().With("component", "artifact"),
	}, nil
}

// Download fetches an image by URL and returns its bytes.
// Returns nil (not an error) when the response is not a valid image:
// non-2xx status, content type outside image/*, or an unknown file signature.
func (c *Client) Download(ctx context.Context, rawURL string) []byte {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		c.logger.Warn("building download request", "url", rawURL, "error", err)
		return nil
	}
	req.Header.Set("Accept", "image/webp,image/png,image/*")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("downloading image", "url", rawURL, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("unexpected download status", "url", rawURL, "status", resp.StatusCode)
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		c.logger.Warn("invalid content type", "url", rawURL, "content_type", contentType)
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
	if err != nil {
		c.logger.Warn("reading image body", "url", rawURL, "error", err)
		return nil
	}

	if !validSignature(data) {
		c.logger.Warn("invalid image signature", "url", rawURL, "size", len(data))
		return nil
	}

	c.logger.Debug("downloaded image", "url", rawURL, "size", len(data))
	return data
}

// validSignature reports whether data starts with a known image signature.
func validSignature(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return bytes.HasPrefix(data, signaturePNG) || bytes.HasPrefix(data, signatureRIFF)
}

// Upload stores data under the given bucket path and returns its public URL.
// Returns an empty URL and ErrUpload on failure.
func (c *Client) Upload(ctx context.Context, path string, data []byte, opts UploadOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full := filepath.Join(c.dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		c.logger.Error("creating artifact directory", "path", path, "error", err)
		return "", ErrUpload
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		c.logger.Error("writing artifact", "path", path, "error", err)
		return "", ErrUpload
	}

	publicURL := c.baseURL + "/" + url.PathEscape(path)
	// PathEscape encodes the slash between id and filename; keep it readable
	publicURL = strings.ReplaceAll(publicURL, "%2F", "/")

	c.logger.Debug("uploaded artifact", "path", path, "size", len(data), "content_type", opts.ContentType)
	return publicURL, nil
}

// Remove deletes the given bucket paths, logging and skipping misses.
// Artifact deletion is best effort; a missing file is not an error.
func (c *Client) Remove(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return
		}
		full := filepath.Join(c.dir, filepath.FromSlash(p))
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("removing artifact", "path", p, "error", err)
		}
	}
}
