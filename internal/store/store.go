// ABOUTME: Store interface and data types for muse-gateway persistence
// ABOUTME: Defines the Generation record and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested generation does not exist
var ErrNotFound = errors.New("generation not found")

// ErrGenerationInFlight is returned when creating a generation while another
// one is still active. At most one generation may be in a non-terminal state.
var ErrGenerationInFlight = errors.New("another generation is already in progress")

// Status values for a generation. Progression is forward-only except the
// terminal error state, reachable from any non-terminal state.
const (
	StatusWaiting              = "waiting"
	StatusProcessing           = "processing"
	StatusGridCompleted        = "grid_completed"
	StatusVariationsInProgress = "variations_in_progress"
	StatusCompleted            = "completed"
	StatusError                = "error"
)

// UpscaleSlots is the number of upscale artifacts produced per generation.
const UpscaleSlots = 4

// Generation represents one image-generation job and its artifacts.
type Generation struct {
	ID           string
	Prompt       string
	AspectRatio  string
	Style        string
	Status       string
	Progress     int
	GridImageURL string
	Upscales     [UpscaleSlots]string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// UpscaleSlot returns the 1-based index of the first empty upscale slot,
// or 0 if all slots are filled.
func (g *Generation) UpscaleSlot() int {
	for i, url := range g.Upscales {
		if url == "" {
			return i + 1
		}
	}
	return 0
}

// CreateGenerationInput holds the immutable inputs captured at creation.
type CreateGenerationInput struct {
	Prompt      string
	AspectRatio string
	Style       string
}

// GenerationUpdate is a partial update. Nil fields are left untouched.
// UpdatedAt is bumped on every update regardless of which fields are set.
type GenerationUpdate struct {
	Status       *string
	Progress     *int
	GridImageURL *string
	UpscaleSlot  int // 1-4; 0 means no upscale slot written
	UpscaleURL   string
	Error        *string
	CompletedAt  *time.Time
}

// Store defines the interface for generation persistence
type Store interface {
	CreateGeneration(ctx context.Context, input CreateGenerationInput) (*Generation, error)
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	UpdateGeneration(ctx context.Context, id string, update GenerationUpdate) (*Generation, error)
	ListGenerations(ctx context.Context, limit int) ([]*Generation, error)
	DeleteGeneration(ctx context.Context, id string) error

	// ResetStuckGenerations forces waiting/processing generations whose
	// updated_at is older than the cutoff into the error state.
	// Returns the number of affected rows.
	ResetStuckGenerations(ctx context.Context, olderThan time.Duration, reason string) (int, error)

	// ForceResetActive unconditionally errors out every non-terminal
	// generation. Returns the number of affected rows.
	ForceResetActive(ctx context.Context, reason string) (int, error)

	// Close releases any resources held by the store
	Close() error
}
