// ABOUTME: Tests for the upscale handler
// ABOUTME: Slot inference, completion stamping, in-flight dedup and release

package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/muse-gateway/internal/dedupe"
	"github.com/2389/muse-gateway/internal/store"
)

func newUpscaleFixture(t *testing.T, gen *store.Generation) (*UpscaleHandler, *memStore, *fakeArtifacts, *eventSink) {
	t.Helper()
	records := newMemStore()
	records.put(gen)
	artifacts := newFakeArtifacts()
	sink := &eventSink{}
	retry := RetryPolicy{Attempts: 3, Delay: time.Millisecond}
	h := NewUpscaleHandler(gen.ID, records, artifacts, dedupe.New(), dedupe.New(), retry, sink.emit, testLogger())
	return h, records, artifacts, sink
}

func upscaleMessage(n int) *messageData {
	url := fmt.Sprintf("https://cdn.example/upscale-%d.png", n)
	return &messageData{
		ID:          fmt.Sprintf("msg-up-%d", n),
		Content:     fmt.Sprintf("**a cat** - Image #%d <@1>", n),
		Author:      &messageAuthor{ID: testBotID},
		Attachments: []messageAttachment{{URL: url}},
	}
}

func processingGen(filledSlots int) *store.Generation {
	gen := &store.Generation{
		ID:           "gen-1",
		Status:       store.StatusProcessing,
		Progress:     50,
		GridImageURL: "https://cdn.test/gen-1/grid.png",
	}
	for i := 0; i < filledSlots; i++ {
		gen.Upscales[i] = fmt.Sprintf("https://cdn.test/gen-1/upscale_%d.png", i+1)
	}
	return gen
}

func TestUpscaleHandler_FillsFirstEmptySlot(t *testing.T) {
	h, records, artifacts, sink := newUpscaleFixture(t, processingGen(0))
	msg := upscaleMessage(1)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")

	h.Handle(context.Background(), msg)

	require.Equal(t, []string{"gen-1/upscale_1.png"}, artifacts.uploadedPaths())
	gen := records.get("gen-1")
	assert.Equal(t, store.StatusProcessing, gen.Status)
	assert.Equal(t, 62, gen.Progress)
	assert.Equal(t, "https://cdn.test/gen-1/upscale_1.png", gen.Upscales[0])

	done := sink.ofType(EventUpscaleCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].UpscaleNumber)
}

func TestUpscaleHandler_SlotInferenceSkipsFilled(t *testing.T) {
	h, records, artifacts, _ := newUpscaleFixture(t, processingGen(2))
	msg := upscaleMessage(3)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")

	h.Handle(context.Background(), msg)

	assert.Equal(t, []string{"gen-1/upscale_3.png"}, artifacts.uploadedPaths())
	assert.Equal(t, 87, records.get("gen-1").Progress)
}

func TestUpscaleHandler_FourthSlotCompletesGeneration(t *testing.T) {
	h, records, artifacts, sink := newUpscaleFixture(t, processingGen(3))
	msg := upscaleMessage(4)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")

	h.Handle(context.Background(), msg)

	gen := records.get("gen-1")
	assert.Equal(t, store.StatusCompleted, gen.Status)
	assert.Equal(t, 100, gen.Progress)
	require.NotNil(t, gen.CompletedAt)
	assert.WithinDuration(t, time.Now(), *gen.CompletedAt, 5*time.Second)

	done := sink.ofType(EventUpscaleCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 4, done[0].UpscaleNumber)
}

func TestUpscaleHandler_DuplicateURLIgnored(t *testing.T) {
	h, _, artifacts, sink := newUpscaleFixture(t, processingGen(0))
	msg := upscaleMessage(1)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")

	h.Handle(context.Background(), msg)
	h.Handle(context.Background(), msg)

	assert.Len(t, artifacts.uploadedPaths(), 1)
	assert.Len(t, sink.ofType(EventUpscaleCompleted), 1)
}

func TestUpscaleHandler_DownloadFailureReleasesURL(t *testing.T) {
	h, records, artifacts, sink := newUpscaleFixture(t, processingGen(0))
	msg := upscaleMessage(1)

	h.Handle(context.Background(), msg)
	require.Len(t, sink.ofType(EventError), 1)
	// No record mutation on download failure.
	assert.Equal(t, store.StatusProcessing, records.get("gen-1").Status)

	// A re-delivery after the failure can succeed.
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")
	h.Handle(context.Background(), msg)
	assert.Len(t, sink.ofType(EventUpscaleCompleted), 1)
}

func TestUpscaleHandler_UploadFailureReleasesURL(t *testing.T) {
	h, _, artifacts, sink := newUpscaleFixture(t, processingGen(0))
	msg := upscaleMessage(1)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")
	artifacts.uploadErr = errors.New("disk full")

	h.Handle(context.Background(), msg)
	require.Len(t, sink.ofType(EventError), 1)

	artifacts.uploadErr = nil
	h.Handle(context.Background(), msg)
	assert.Len(t, sink.ofType(EventUpscaleCompleted), 1)
}

func TestUpscaleHandler_RecordReadRetriesThenSucceeds(t *testing.T) {
	h, records, artifacts, sink := newUpscaleFixture(t, processingGen(0))
	records.failGets = 2
	msg := upscaleMessage(1)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")

	h.Handle(context.Background(), msg)

	assert.Len(t, sink.ofType(EventUpscaleCompleted), 1)
}

func TestUpscaleHandler_RecordReadExhaustionAbortsSilently(t *testing.T) {
	h, records, artifacts, sink := newUpscaleFixture(t, processingGen(0))
	records.failGets = 3
	msg := upscaleMessage(1)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")

	h.Handle(context.Background(), msg)

	assert.Empty(t, artifacts.uploadedPaths())
	assert.Empty(t, sink.all(), "reconciliation abort is not surfaced")

	// The URL was released, so a later delivery retries.
	h.Handle(context.Background(), msg)
	assert.Len(t, sink.ofType(EventUpscaleCompleted), 1)
}

func TestUpscaleHandler_PersistenceFailureSurfacesError(t *testing.T) {
	h, records, artifacts, sink := newUpscaleFixture(t, processingGen(0))
	msg := upscaleMessage(1)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")
	records.updateErr = errors.New("db locked")

	h.Handle(context.Background(), msg)

	errs := sink.ofType(EventError)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0].Err, "db locked")
}

func TestUpscaleHandler_AllSlotsFilledIgnoresMessage(t *testing.T) {
	h, _, artifacts, sink := newUpscaleFixture(t, processingGen(4))
	msg := upscaleMessage(1)
	artifacts.bodies[msg.Attachments[0].URL] = []byte("png")

	h.Handle(context.Background(), msg)

	assert.Empty(t, artifacts.uploadedPaths())
	assert.Empty(t, sink.all())
}
