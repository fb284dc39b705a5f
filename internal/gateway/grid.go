// ABOUTME: Grid handler for the first bot reply carrying the composite image
// ABOUTME: Dedup, fetch, store, progress update, upscale button discovery

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/2389/muse-gateway/internal/artifact"
	"github.com/2389/muse-gateway/internal/dedupe"
	"github.com/2389/muse-gateway/internal/store"
)

// upsampleMarker identifies upscale trigger buttons by their custom id,
// e.g. "MJ::JOB::upsample::2::<hash>". The slot index sits after the marker.
const upsampleMarker = "upsample::"

// GridHandler processes grid-bearing messages for one generation: it
// downloads and stores the composite image, moves the record to progress 50,
// and discovers the four upscale trigger buttons.
type GridHandler struct {
	generationID string
	records      store.Store
	artifacts    ArtifactClient
	processed    *dedupe.Set
	emit         func(Event)
	logger       *slog.Logger

	mu           sync.Mutex
	buttonsFound map[string]bool
}

// NewGridHandler builds a handler bound to one generation id.
func NewGridHandler(generationID string, records store.Store, artifacts ArtifactClient, processed *dedupe.Set, emit func(Event), logger *slog.Logger) *GridHandler {
	return &GridHandler{
		generationID: generationID,
		records:      records,
		artifacts:    artifacts,
		processed:    processed,
		emit:         emit,
		logger:       logger.With("handler", "grid"),
		buttonsFound: make(map[string]bool),
	}
}

// Handle processes one grid-bearing message. Button discovery runs on every
// message regardless of how the image pipeline fares; the image itself is
// fetched and stored at most once per URL.
func (h *GridHandler) Handle(ctx context.Context, msg *messageData) {
	if h.generationID == "" || len(msg.Attachments) == 0 {
		return
	}
	defer h.discoverButtons(msg)

	url := msg.Attachments[0].URL
	if url == "" {
		return
	}
	if !isFinalPNG(url) {
		// Intermediate preview frames arrive as non-png renders.
		h.logger.Debug("ignoring non-png grid attachment", "url", url)
		return
	}
	if h.processed.Check(url) {
		h.logger.Debug("grid url already processed", "url", url)
		return
	}

	data := h.artifacts.Download(ctx, url)
	if data == nil {
		h.fail(ctx, fmt.Errorf("%w: %s", artifact.ErrDownload, url))
		return
	}

	publicURL, err := h.artifacts.Upload(ctx, artifact.GridPath(h.generationID), data, artifact.UploadOptions{
		ContentType:  artifact.ContentTypePNG,
		CacheControl: artifact.DefaultCacheControl,
	})
	if err != nil {
		h.fail(ctx, err)
		return
	}

	status := store.StatusProcessing
	progress := 50
	if _, err := h.records.UpdateGeneration(ctx, h.generationID, store.GenerationUpdate{
		Status:       &status,
		Progress:     &progress,
		GridImageURL: &publicURL,
	}); err != nil {
		h.fail(ctx, fmt.Errorf("persisting grid completion: %w", err))
		return
	}

	h.processed.Mark(url)
	h.logger.Info("grid image stored", "url", publicURL)
	h.emit(Event{
		Type:         EventGridCompleted,
		GenerationID: h.generationID,
		GridImageURL: publicURL,
	})
}

// discoverButtons extracts upscale trigger buttons and emits them once per
// source message. Later grid-bearing frames for the same message are skipped
// only after a frame actually yielded buttons.
func (h *GridHandler) discoverButtons(msg *messageData) {
	h.mu.Lock()
	seen := h.buttonsFound[msg.ID]
	h.mu.Unlock()
	if seen {
		return
	}

	buttons := extractUpscaleButtons(msg.Components)
	if len(buttons) == 0 {
		return
	}
	sort.Slice(buttons, func(i, j int) bool { return buttons[i].Index < buttons[j].Index })

	h.mu.Lock()
	if h.buttonsFound[msg.ID] {
		h.mu.Unlock()
		return
	}
	h.buttonsFound[msg.ID] = true
	h.mu.Unlock()

	h.logger.Info("upscale buttons discovered", "message_id", msg.ID, "count", len(buttons))
	h.emit(Event{
		Type:         EventUpscaleButtonsFound,
		GenerationID: h.generationID,
		MessageID:    msg.ID,
		Buttons:      buttons,
	})
}

// fail records the failure on the generation and surfaces it as an event.
func (h *GridHandler) fail(ctx context.Context, cause error) {
	h.logger.Error("grid processing failed", "error", cause)
	status := store.StatusError
	diag := cause.Error()
	if _, err := h.records.UpdateGeneration(ctx, h.generationID, store.GenerationUpdate{
		Status: &status,
		Error:  &diag,
	}); err != nil {
		h.logger.Error("failed to record grid failure", "error", err)
	}
	h.emit(Event{Type: EventError, GenerationID: h.generationID, Err: cause})
}

// isFinalPNG reports whether the URL names a .png artifact after stripping
// any query string.
func isFinalPNG(rawURL string) bool {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		rawURL = rawURL[:i]
	}
	return strings.HasSuffix(strings.ToLower(rawURL), ".png")
}

// extractUpscaleButtons walks the component tree (action rows nest buttons
// one level deep) and collects buttons whose custom id marks them as
// upscale triggers.
func extractUpscaleButtons(components []messageComponent) []UpscaleButton {
	var buttons []UpscaleButton
	for _, row := range components {
		if b, ok := asUpscaleButton(row); ok {
			buttons = append(buttons, b)
		}
		for _, c := range row.Components {
			if b, ok := asUpscaleButton(c); ok {
				buttons = append(buttons, b)
			}
		}
	}
	return buttons
}

func asUpscaleButton(c messageComponent) (UpscaleButton, bool) {
	if c.CustomID == "" || !strings.Contains(c.CustomID, upsampleMarker) {
		return UpscaleButton{}, false
	}
	idx := upscaleIndex(c.CustomID)
	if idx == 0 {
		return UpscaleButton{}, false
	}
	return UpscaleButton{Index: idx, CustomID: c.CustomID}, true
}

// upscaleIndex parses the slot index out of a custom id of the form
// "MJ::JOB::upsample::<n>::<hash>". Returns 0 when the id does not carry one.
func upscaleIndex(customID string) int {
	parts := strings.Split(customID, "::")
	for i, part := range parts {
		if part == "upsample" && i+1 < len(parts) {
			n, err := strconv.Atoi(parts[i+1])
			if err != nil || n < 1 || n > store.UpscaleSlots {
				return 0
			}
			return n
		}
	}
	return 0
}
