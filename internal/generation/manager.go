// ABOUTME: Generation orchestrator mapping generation ids to gateway sessions
// ABOUTME: Stuck-record reconciliation, button click sequencing, teardown

package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/muse-gateway/internal/artifact"
	"github.com/2389/muse-gateway/internal/gateway"
	"github.com/2389/muse-gateway/internal/store"
)

// Session is the gateway surface the orchestrator drives. Satisfied by
// *gateway.Session.
type Session interface {
	Connect(ctx context.Context) error
	AwaitReady(ctx context.Context) error
	SendImagine(ctx context.Context, prompt string) error
	ClickButton(ctx context.Context, messageID, customID string) error
	MarkForCleanup()
	Disconnect()
	Events() <-chan gateway.Event
}

// SessionFactory builds a fresh session for one generation id.
type SessionFactory func(generationID string) Session

// ArtifactRemover deletes stored artifacts. Satisfied by *artifact.Client.
type ArtifactRemover interface {
	Remove(ctx context.Context, paths []string)
}

// Options holds the orchestrator's timing policy.
type Options struct {
	// ClickInterval spaces the four upscale button clicks to respect the
	// bot's rate limits.
	ClickInterval time.Duration
	// CleanupGrace lets in-flight handler work drain before final teardown.
	CleanupGrace time.Duration
	// StuckTimeout bounds how long a non-terminal record can sit untouched
	// before the pre-generate sweep errors it out.
	StuckTimeout time.Duration
}

const stuckReason = "generation timed out waiting for gateway events"

type entry struct {
	sess Session
	done chan struct{}
}

// Manager owns the per-generation session map and bridges session events to
// the record store. One Manager serves the whole process; each generation
// gets its own session and event loop.
type Manager struct {
	records    store.Store
	artifacts  ArtifactRemover
	newSession SessionFactory
	opts       Options
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewManager wires an orchestrator over the given collaborators.
func NewManager(records store.Store, artifacts ArtifactRemover, newSession SessionFactory, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		records:    records,
		artifacts:  artifacts,
		newSession: newSession,
		opts:       opts,
		logger:     logger.With("component", "generation"),
		sessions:   make(map[string]*entry),
	}
}

// Generate runs the front half of the pipeline: sweep stuck records, create
// the record, open a session, wait for readiness, and send the create
// command. The back half (grid, clicks, upscales) is driven by the event
// loop. Returns store.ErrGenerationInFlight when another generation holds
// the single-flight slot.
func (m *Manager) Generate(ctx context.Context, input store.CreateGenerationInput) (*store.Generation, error) {
	swept, err := m.records.ResetStuckGenerations(ctx, m.opts.StuckTimeout, stuckReason)
	if err != nil {
		return nil, fmt.Errorf("resetting stuck generations: %w", err)
	}
	if swept > 0 {
		m.logger.Warn("reset stuck generations before starting", "count", swept)
	}

	gen, err := m.records.CreateGeneration(ctx, input)
	if err != nil {
		return nil, err
	}
	logger := m.logger.With("generation_id", gen.ID)
	logger.Info("generation created", "prompt", input.Prompt, "aspect_ratio", input.AspectRatio)

	sess := m.newSession(gen.ID)
	e := &entry{sess: sess, done: make(chan struct{})}
	m.mu.Lock()
	m.sessions[gen.ID] = e
	m.mu.Unlock()
	go m.eventLoop(gen.ID, e)

	if err := sess.Connect(ctx); err != nil {
		m.abort(ctx, gen.ID, err)
		return nil, err
	}
	if err := sess.AwaitReady(ctx); err != nil {
		m.abort(ctx, gen.ID, err)
		return nil, err
	}
	if err := sess.SendImagine(ctx, gen.Prompt); err != nil {
		m.abort(ctx, gen.ID, err)
		return nil, err
	}

	logger.Info("create command sent, awaiting bot replies")
	return gen, nil
}

// abort errors out a generation that failed before the pipeline started.
func (m *Manager) abort(ctx context.Context, id string, cause error) {
	m.markError(ctx, id, cause)
	m.Cleanup(id)
}

// eventLoop consumes session events for one generation until teardown.
func (m *Manager) eventLoop(id string, e *entry) {
	ctx := context.Background()
	logger := m.logger.With("generation_id", id)
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.sess.Events():
			switch ev.Type {
			case gateway.EventReady:
				logger.Debug("session ready")

			case gateway.EventGridCompleted:
				// The grid handler already persisted the artifact and the
				// progress checkpoint.
				logger.Info("grid completed", "grid_url", ev.GridImageURL)

			case gateway.EventUpscaleButtonsFound:
				// Clicks take minutes with the inter-click delay; keep the
				// loop free for upscale completions in the meantime.
				go m.clickButtons(id, e, ev)

			case gateway.EventUpscaleCompleted:
				logger.Info("upscale completed", "slot", ev.UpscaleNumber, "url", ev.UpscaleURL)
				if ev.UpscaleNumber == store.UpscaleSlots {
					go m.Cleanup(id)
				}

			case gateway.EventError:
				m.markError(ctx, id, ev.Err)
				go m.Cleanup(id)
			}
		}
	}
}

// clickButtons sends the captured upscale triggers in index order with a
// fixed delay between clicks. A failed click is logged and skipped; the
// remaining buttons still get their turn.
func (m *Manager) clickButtons(id string, e *entry, ev gateway.Event) {
	ctx := context.Background()
	logger := m.logger.With("generation_id", id)
	for i, b := range ev.Buttons {
		if i > 0 {
			select {
			case <-e.done:
				return
			case <-time.After(m.opts.ClickInterval):
			}
		}
		if err := e.sess.ClickButton(ctx, ev.MessageID, b.CustomID); err != nil {
			logger.Warn("upscale button click failed", "index", b.Index, "error", err)
			continue
		}
		logger.Info("upscale button clicked", "index", b.Index)
	}
}

// markError moves the record to the terminal error state.
func (m *Manager) markError(ctx context.Context, id string, cause error) {
	status := store.StatusError
	diag := "unknown failure"
	if cause != nil {
		diag = cause.Error()
	}
	if _, err := m.records.UpdateGeneration(ctx, id, store.GenerationUpdate{
		Status: &status,
		Error:  &diag,
	}); err != nil {
		m.logger.Error("failed to record generation error", "generation_id", id, "error", err)
	}
}

// Cleanup tears down the session for a generation: mark for cleanup, wait
// the grace period for in-flight work, disconnect, drop the map entry.
// Safe to call for ids without a live session.
func (m *Manager) Cleanup(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e.sess.MarkForCleanup()
	time.Sleep(m.opts.CleanupGrace)
	e.sess.Disconnect()
	close(e.done)
	m.logger.Info("session torn down", "generation_id", id)
}

// Get returns one generation record.
func (m *Manager) Get(ctx context.Context, id string) (*store.Generation, error) {
	return m.records.GetGeneration(ctx, id)
}

// List returns the most recent generations, newest first.
func (m *Manager) List(ctx context.Context, limit int) ([]*store.Generation, error) {
	return m.records.ListGenerations(ctx, limit)
}

// Delete removes a generation's record and its stored artifacts, tearing
// down any live session first.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.records.GetGeneration(ctx, id); err != nil {
		return err
	}
	m.Cleanup(id)
	if err := m.records.DeleteGeneration(ctx, id); err != nil {
		return err
	}
	m.artifacts.Remove(ctx, artifact.AllPaths(id, store.UpscaleSlots))
	m.logger.Info("generation deleted", "generation_id", id)
	return nil
}

// ForceReset tears down every live session and errors out all non-terminal
// records, freeing the single-flight slot. Returns the record count.
func (m *Manager) ForceReset(ctx context.Context, reason string) (int, error) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Cleanup(id)
	}

	count, err := m.records.ForceResetActive(ctx, reason)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Warn("force-reset active generations", "count", count, "reason", reason)
	}
	return count, nil
}

// Shutdown tears down all live sessions. Called once at process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Cleanup(id)
	}
}
