// ABOUTME: Tests for interaction payload construction and posting
// ABOUTME: Validates payload shape, auth headers, and error propagation

package interactions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTarget = Target{
	ApplicationID:  "bot-1",
	GuildID:        "guild-1",
	ChannelID:      "channel-1",
	CommandID:      "cmd-1",
	CommandVersion: "v-1",
}

func TestNewImaginePayload(t *testing.T) {
	p := NewImaginePayload(testTarget, "a cat in space")

	assert.Equal(t, 2, p.Type)
	assert.Equal(t, "bot-1", p.ApplicationID)
	assert.Equal(t, "guild-1", p.GuildID)
	assert.Equal(t, "channel-1", p.ChannelID)
	assert.NotEmpty(t, p.SessionID)
	assert.Equal(t, "imagine", p.Data.Name)
	require.Len(t, p.Data.Options, 1)
	assert.Equal(t, "prompt", p.Data.Options[0].Name)
	assert.Equal(t, "a cat in space", p.Data.Options[0].Value)
}

func TestNewImaginePayload_DistinctSessionIDs(t *testing.T) {
	a := NewImaginePayload(testTarget, "p")
	b := NewImaginePayload(testTarget, "p")

	assert.NotEqual(t, a.SessionID, b.SessionID)
}

func TestNewClickPayload(t *testing.T) {
	p := NewClickPayload(testTarget, "msg-1", "MJ::JOB::upsample::2::hash")

	assert.Equal(t, 3, p.Type)
	assert.Equal(t, "msg-1", p.MessageID)
	assert.Equal(t, 2, p.Data.ComponentType)
	assert.Equal(t, "MJ::JOB::upsample::2::hash", p.Data.CustomID)
	assert.Equal(t, 0, p.MessageFlags)
}

func TestPost_Success(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	err := c.Post(context.Background(), NewImaginePayload(testTarget, "a cat"))
	require.NoError(t, err)

	assert.Equal(t, "secret-token", gotAuth)
	assert.Equal(t, "/interactions", gotPath)
	assert.Equal(t, float64(2), gotBody["type"])
}

func TestPost_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code": 50035, "message": "Invalid Form Body"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	err := c.Post(context.Background(), NewClickPayload(testTarget, "msg-1", "custom-1"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInteraction)
	assert.Contains(t, err.Error(), "Invalid Form Body")
}

func TestPost_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	err := c.Post(context.Background(), NewImaginePayload(testTarget, "p"))

	require.ErrorIs(t, err, ErrInteraction)
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestPost_ConnectionRefused(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "secret-token")
	err := c.Post(context.Background(), NewImaginePayload(testTarget, "p"))

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInteraction, "transport failures are not upstream rejections")
}
