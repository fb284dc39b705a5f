// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides generation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS generations (
			id             TEXT PRIMARY KEY,
			prompt         TEXT NOT NULL,
			aspect_ratio   TEXT NOT NULL,
			style          TEXT,
			status         TEXT NOT NULL,
			progress       INTEGER NOT NULL DEFAULT 0,
			grid_image_url TEXT,
			upscale_1      TEXT,
			upscale_2      TEXT,
			upscale_3      TEXT,
			upscale_4      TEXT,
			error          TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			completed_at   TEXT,

			CHECK (status IN ('waiting', 'processing', 'grid_completed', 'variations_in_progress', 'completed', 'error')),
			CHECK (progress >= 0 AND progress <= 100)
		);

		-- Single-flight constraint: at most one generation may be active at
		-- a time. The partial index collapses every non-terminal row onto a
		-- single constant key, so a second active insert fails.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_generations_single_flight
			ON generations((1))
			WHERE status IN ('waiting', 'processing', 'grid_completed', 'variations_in_progress');

		CREATE INDEX IF NOT EXISTS idx_generations_status ON generations(status);
		CREATE INDEX IF NOT EXISTS idx_generations_created ON generations(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateGeneration inserts a new generation in the waiting state with progress 0.
// Returns ErrGenerationInFlight if another generation is still active.
func (s *SQLiteStore) CreateGeneration(ctx context.Context, input CreateGenerationInput) (*Generation, error) {
	now := time.Now().UTC()
	gen := &Generation{
		ID:          uuid.New().String(),
		Prompt:      input.Prompt,
		AspectRatio: input.AspectRatio,
		Style:       input.Style,
		Status:      StatusWaiting,
		Progress:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
		INSERT INTO generations (id, prompt, aspect_ratio, style, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		gen.ID,
		gen.Prompt,
		gen.AspectRatio,
		nullable(gen.Style),
		gen.Status,
		gen.Progress,
		gen.CreatedAt.Format(time.RFC3339Nano),
		gen.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrGenerationInFlight
		}
		return nil, fmt.Errorf("inserting generation: %w", err)
	}

	s.logger.Debug("created generation", "id", gen.ID, "prompt", gen.Prompt)
	return gen, nil
}

const generationColumns = `id, prompt, aspect_ratio, style, status, progress, grid_image_url,
	upscale_1, upscale_2, upscale_3, upscale_4, error, created_at, updated_at, completed_at`

// GetGeneration retrieves a generation by ID.
// Returns ErrNotFound if the generation doesn't exist.
func (s *SQLiteStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = ?`
	gen, err := scanGeneration(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying generation: %w", err)
	}
	return gen, nil
}

// UpdateGeneration applies a partial update to a generation and bumps updated_at.
// Returns the updated record, or ErrNotFound if the id does not exist.
func (s *SQLiteStore) UpdateGeneration(ctx context.Context, id string, update GenerationUpdate) (*Generation, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Progress != nil {
		// Progress is monotonic for a given id
		sets = append(sets, "progress = MAX(progress, ?)")
		args = append(args, *update.Progress)
	}
	if update.GridImageURL != nil {
		sets = append(sets, "grid_image_url = ?")
		args = append(args, *update.GridImageURL)
	}
	if update.UpscaleSlot >= 1 && update.UpscaleSlot <= UpscaleSlots {
		sets = append(sets, fmt.Sprintf("upscale_%d = ?", update.UpscaleSlot))
		args = append(args, update.UpscaleURL)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC().Format(time.RFC3339Nano))
	}

	query := "UPDATE generations SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.GetGeneration(ctx, id)
}

// ListGenerations returns generations ordered newest first.
func (s *SQLiteStore) ListGenerations(ctx context.Context, limit int) ([]*Generation, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + generationColumns + ` FROM generations ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying generations: %w", err)
	}
	defer rows.Close()

	var gens []*Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning generation: %w", err)
		}
		gens = append(gens, gen)
	}
	return gens, rows.Err()
}

// DeleteGeneration removes a generation record.
// Returns ErrNotFound if the generation doesn't exist.
func (s *SQLiteStore) DeleteGeneration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting generation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted generation", "id", id)
	return nil
}

// ResetStuckGenerations forces waiting/processing generations older than the
// cutoff into the error state. A crashed or abandoned pipeline run would
// otherwise block the single-flight constraint forever.
func (s *SQLiteStore) ResetStuckGenerations(ctx context.Context, olderThan time.Duration, reason string) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET status = ?, error = ?, updated_at = ?
		WHERE status IN ('waiting', 'processing', 'grid_completed', 'variations_in_progress')
		  AND updated_at < ?`,
		StatusError, reason, time.Now().UTC().Format(time.RFC3339Nano), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting stuck generations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		s.logger.Info("reset stuck generations", "count", affected, "older_than", olderThan)
	}
	return int(affected), nil
}

// ForceResetActive unconditionally errors out every non-terminal generation.
func (s *SQLiteStore) ForceResetActive(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE generations
		SET status = ?, error = ?, updated_at = ?
		WHERE status IN ('waiting', 'processing', 'grid_completed', 'variations_in_progress')`,
		StatusError, reason, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("force resetting generations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	s.logger.Info("force reset active generations", "count", affected)
	return int(affected), nil
}

// scanner abstracts over *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanGeneration reads one generation row.
func scanGeneration(row scanner) (*Generation, error) {
	var gen Generation
	var style, gridURL, up1, up2, up3, up4, errMsg, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&gen.ID,
		&gen.Prompt,
		&gen.AspectRatio,
		&style,
		&gen.Status,
		&gen.Progress,
		&gridURL,
		&up1,
		&up2,
		&up3,
		&up4,
		&errMsg,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	gen.Style = style.String
	gen.GridImageURL = gridURL.String
	gen.Upscales = [UpscaleSlots]string{up1.String, up2.String, up3.String, up4.String}
	gen.Error = errMsg.String

	if gen.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if gen.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		gen.CompletedAt = &t
	}

	return &gen, nil
}

// nullable converts an empty string to a NULL parameter.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
