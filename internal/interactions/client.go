// ABOUTME: HTTP client posting interaction payloads to the bot API
// ABOUTME: No internal retries; a lost command is recovered by the stuck-generation reset

package interactions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrInteraction is returned when the bot API rejects an interaction.
var ErrInteraction = errors.New("interaction failed")

// errorResponse is the upstream diagnostic body on a non-success response.
type errorResponse struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Client posts interaction payloads over the authenticated out-of-band HTTP channel.
type Client struct {
	http    *http.Client
	apiBase string
	token   string
	logger  *slog.Logger
}

// NewClient creates an interaction client for the given API base and credential.
func NewClient(apiBase, token string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		apiBase: apiBase,
		token:   token,
		logger:  slog.Default().With("component", "interactions"),
	}
}

// Post sends one interaction payload. It never retries: retry policy belongs
// to the caller. Fails with ErrInteraction carrying the upstream diagnostic
// message on a non-success response.
func (c *Client) Post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding interaction payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/interactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building interaction request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting interaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("interaction sent", "status", resp.StatusCode)
		return nil
	}

	var diag errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &diag); err != nil || diag.Message == "" {
		diag.Message = string(raw)
	}

	c.logger.Error("interaction rejected", "status", resp.StatusCode, "message", diag.Message)
	return fmt.Errorf("%w: %s (status %d)", ErrInteraction, diag.Message, resp.StatusCode)
}
