// ABOUTME: Shared test fakes for the gateway package
// ABOUTME: In-memory record store, fake artifact client, event collector

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/muse-gateway/internal/artifact"
	"github.com/2389/muse-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory store.Store with just enough update semantics
// for handler tests: partial updates, monotonic progress, upscale slots.
type memStore struct {
	mu      sync.Mutex
	gens    map[string]*store.Generation
	updates []store.GenerationUpdate

	failGets  int // fail this many GetGeneration calls before succeeding
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{gens: make(map[string]*store.Generation)}
}

func (m *memStore) put(gen *store.Generation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[gen.ID] = gen
}

func (m *memStore) CreateGeneration(ctx context.Context, input store.CreateGenerationInput) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gens {
		switch g.Status {
		case store.StatusCompleted, store.StatusError:
		default:
			return nil, store.ErrGenerationInFlight
		}
	}
	gen := &store.Generation{
		ID:          fmt.Sprintf("gen-%d", len(m.gens)+1),
		Prompt:      input.Prompt,
		AspectRatio: input.AspectRatio,
		Style:       input.Style,
		Status:      store.StatusWaiting,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.gens[gen.ID] = gen
	return gen, nil
}

func (m *memStore) GetGeneration(ctx context.Context, id string) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGets > 0 {
		m.failGets--
		return nil, errors.New("transient read failure")
	}
	gen, ok := m.gens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *gen
	return &copied, nil
}

func (m *memStore) UpdateGeneration(ctx context.Context, id string, update store.GenerationUpdate) (*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	gen, ok := m.gens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	m.updates = append(m.updates, update)
	if update.Status != nil {
		gen.Status = *update.Status
	}
	if update.Progress != nil && *update.Progress > gen.Progress {
		gen.Progress = *update.Progress
	}
	if update.GridImageURL != nil {
		gen.GridImageURL = *update.GridImageURL
	}
	if update.UpscaleSlot >= 1 && update.UpscaleSlot <= store.UpscaleSlots {
		gen.Upscales[update.UpscaleSlot-1] = update.UpscaleURL
	}
	if update.Error != nil {
		gen.Error = *update.Error
	}
	if update.CompletedAt != nil {
		gen.CompletedAt = update.CompletedAt
	}
	gen.UpdatedAt = time.Now()
	copied := *gen
	return &copied, nil
}

func (m *memStore) ListGenerations(ctx context.Context, limit int) ([]*store.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Generation
	for _, g := range m.gens {
		copied := *g
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memStore) DeleteGeneration(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gens[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.gens, id)
	return nil
}

func (m *memStore) ResetStuckGenerations(ctx context.Context, olderThan time.Duration, reason string) (int, error) {
	return 0, nil
}

func (m *memStore) ForceResetActive(ctx context.Context, reason string) (int, error) {
	return 0, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) recordedUpdates() []store.GenerationUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.GenerationUpdate(nil), m.updates...)
}

func (m *memStore) get(id string) *store.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *m.gens[id]
	return &copied
}

// fakeArtifacts implements ArtifactClient with canned download bodies and
// recorded upload paths.
type fakeArtifacts struct {
	mu        sync.Mutex
	bodies    map[string][]byte // download URL -> body; missing means nil
	uploads   []string
	uploadErr error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{bodies: make(map[string][]byte)}
}

func (f *fakeArtifacts) Download(ctx context.Context, url string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[url]
}

func (f *fakeArtifacts) Upload(ctx context.Context, path string, data []byte, opts artifact.UploadOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, path)
	return "https://cdn.test/" + path, nil
}

func (f *fakeArtifacts) uploadedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

// eventSink collects emitted events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *eventSink) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
