// ABOUTME: Tests for the artifact store client
// ABOUTME: Covers signature/content-type validation, uploads, and path helpers

package artifact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngBytes is a minimal payload carrying a valid PNG signature.
var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(t.TempDir(), "http://localhost:8080/artifacts")
	require.NoError(t, err)
	return c
}

func imageServer(t *testing.T, contentType string, body []byte, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownload_ValidPNG(t *testing.T) {
	c := newTestClient(t)
	srv := imageServer(t, "image/png", pngBytes, http.StatusOK)

	data := c.Download(context.Background(), srv.URL)
	assert.Equal(t, pngBytes, data)
}

func TestDownload_ValidWebP(t *testing.T) {
	c := newTestClient(t)
	riff := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x00, 0x00, 0x00}
	srv := imageServer(t, "image/webp", riff, http.StatusOK)

	data := c.Download(context.Background(), srv.URL)
	assert.Equal(t, riff, data)
}

func TestDownload_RejectsNonImageContentType(t *testing.T) {
	c := newTestClient(t)
	srv := imageServer(t, "text/html", pngBytes, http.StatusOK)

	assert.Nil(t, c.Download(context.Background(), srv.URL))
}

func TestDownload_RejectsBadSignature(t *testing.T) {
	c := newTestClient(t)
	srv := imageServer(t, "image/png", []byte("not an image"), http.StatusOK)

	assert.Nil(t, c.Download(context.Background(), srv.URL))
}

func TestDownload_RejectsErrorStatus(t *testing.T) {
	c := newTestClient(t)
	srv := imageServer(t, "image/png", pngBytes, http.StatusNotFound)

	assert.Nil(t, c.Download(context.Background(), srv.URL))
}

func TestDownload_RejectsShortBody(t *testing.T) {
	c := newTestClient(t)
	srv := imageServer(t, "image/png", []byte{0x89}, http.StatusOK)

	assert.Nil(t, c.Download(context.Background(), srv.URL))
}

func TestDownload_UnreachableHost(t *testing.T) {
	c := newTestClient(t)

	assert.Nil(t, c.Download(context.Background(), "http://127.0.0.1:1/missing.png"))
}

func TestUpload_WritesFileAndReturnsPublicURL(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "http://localhost:8080/artifacts/")
	require.NoError(t, err)

	url, err := c.Upload(context.Background(), GridPath("gen-1"), pngBytes, UploadOptions{
		ContentType:  ContentTypePNG,
		CacheControl: DefaultCacheControl,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/artifacts/gen-1/grid.png", url)

	written, err := os.ReadFile(filepath.Join(dir, "gen-1", "grid.png"))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, written)
}

func TestRemove_DeletesExistingAndSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "http://localhost:8080/artifacts")
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), UpscalePath("gen-1", 1), pngBytes, UploadOptions{})
	require.NoError(t, err)

	c.Remove(context.Background(), AllPaths("gen-1", 4))

	_, err = os.Stat(filepath.Join(dir, "gen-1", "upscale_1.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "gen-1/grid.png", GridPath("gen-1"))
	assert.Equal(t, "gen-1/upscale_3.png", UpscalePath("gen-1", 3))
	assert.Equal(t, []string{
		"gen-1/grid.png",
		"gen-1/upscale_1.png",
		"gen-1/upscale_2.png",
	}, AllPaths("gen-1", 2))
}
