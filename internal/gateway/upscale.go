// ABOUTME: Upscale handler for the up-to-four follow-up render messages
// ABOUTME: In-flight dedup, slot inference from filled columns, completion stamping

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/2389/muse-gateway/internal/artifact"
	"github.com/2389/muse-gateway/internal/dedupe"
	"github.com/2389/muse-gateway/internal/store"
)

// RetryPolicy bounds the handler's record-read retries. The backoff is
// linear: Delay after the first failure, 2×Delay after the second, and so on.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// UpscaleHandler processes completed upscale messages for one generation.
// Each message fills the lowest-numbered empty upscale slot; the fourth
// one completes the generation.
type UpscaleHandler struct {
	generationID string
	records      store.Store
	artifacts    ArtifactClient
	processed    *dedupe.Set
	processing   *dedupe.Set
	retry        RetryPolicy
	emit         func(Event)
	logger       *slog.Logger
}

// NewUpscaleHandler builds a handler bound to one generation id.
func NewUpscaleHandler(generationID string, records store.Store, artifacts ArtifactClient, processed, processing *dedupe.Set, retry RetryPolicy, emit func(Event), logger *slog.Logger) *UpscaleHandler {
	return &UpscaleHandler{
		generationID: generationID,
		records:      records,
		artifacts:    artifacts,
		processed:    processed,
		processing:   processing,
		retry:        retry,
		emit:         emit,
		logger:       logger.With("handler", "upscale"),
	}
}

// Handle processes one upscale message. A URL already completed or mid-flight
// is ignored; a failure after the in-flight mark releases the URL so a
// re-delivered message can retry it.
func (h *UpscaleHandler) Handle(ctx context.Context, msg *messageData) {
	if h.generationID == "" || len(msg.Attachments) == 0 {
		return
	}
	url := msg.Attachments[0].URL
	if url == "" {
		return
	}
	if h.processed.Check(url) {
		h.logger.Debug("upscale url already processed", "url", url)
		return
	}
	if h.processing.CheckAndMark(url) {
		h.logger.Debug("upscale url already in flight", "url", url)
		return
	}

	data := h.artifacts.Download(ctx, url)
	if data == nil {
		h.processing.Forget(url)
		h.emit(Event{
			Type:         EventError,
			GenerationID: h.generationID,
			Err:          fmt.Errorf("%w: %s", artifact.ErrDownload, url),
		})
		return
	}

	gen := h.readRecord(ctx)
	if gen == nil {
		// Best-effort reconciliation: without the record there is no slot
		// to fill, so release the URL and let a later delivery retry.
		h.processing.Forget(url)
		h.logger.Error("giving up on upscale, record unreadable", "attempts", h.retry.Attempts)
		return
	}

	slot := gen.UpscaleSlot()
	if slot == 0 {
		h.processing.Forget(url)
		h.logger.Warn("all upscale slots already filled, ignoring message", "url", url)
		return
	}

	publicURL, err := h.artifacts.Upload(ctx, artifact.UpscalePath(h.generationID, slot), data, artifact.UploadOptions{
		ContentType:  artifact.ContentTypePNG,
		CacheControl: artifact.DefaultCacheControl,
	})
	if err != nil {
		h.processing.Forget(url)
		h.emit(Event{Type: EventError, GenerationID: h.generationID, Err: err})
		return
	}

	progress := int(math.Floor(50 + float64(slot)*12.5))
	status := store.StatusProcessing
	update := store.GenerationUpdate{
		Status:      &status,
		Progress:    &progress,
		UpscaleSlot: slot,
		UpscaleURL:  publicURL,
	}
	if slot == store.UpscaleSlots {
		status = store.StatusCompleted
		now := time.Now().UTC()
		update.CompletedAt = &now
	}

	if _, err := h.records.UpdateGeneration(ctx, h.generationID, update); err != nil {
		h.processing.Forget(url)
		h.emit(Event{
			Type:         EventError,
			GenerationID: h.generationID,
			Err:          fmt.Errorf("persisting upscale %d: %w", slot, err),
		})
		return
	}

	h.processing.Forget(url)
	h.processed.Mark(url)
	h.logger.Info("upscale image stored", "slot", slot, "url", publicURL, "progress", progress)
	h.emit(Event{
		Type:          EventUpscaleCompleted,
		GenerationID:  h.generationID,
		UpscaleNumber: slot,
		UpscaleURL:    publicURL,
	})
}

// readRecord fetches the generation with bounded linear-backoff retries.
// Returns nil when every attempt fails.
func (h *UpscaleHandler) readRecord(ctx context.Context) *store.Generation {
	for attempt := 1; attempt <= h.retry.Attempts; attempt++ {
		gen, err := h.records.GetGeneration(ctx, h.generationID)
		if err == nil {
			return gen
		}
		h.logger.Warn("record read failed", "attempt", attempt, "error", err)
		if attempt < h.retry.Attempts {
			time.Sleep(h.retry.Delay * time.Duration(attempt))
		}
	}
	return nil
}
