// ABOUTME: Bucket path helpers for generation artifacts
// ABOUTME: One directory per generation holding the grid and four upscales

package artifact

import "fmt"

// Stored artifact metadata.
const (
	ContentTypePNG      = "image/png"
	DefaultCacheControl = "3600"
)

// GridPath returns the bucket path for a generation's composite grid image.
func GridPath(generationID string) string {
	return fmt.Sprintf("%s/grid.png", generationID)
}

// UpscalePath returns the bucket path for one upscale slot (1-4).
func UpscalePath(generationID string, slot int) string {
	return fmt.Sprintf("%s/upscale_%d.png", generationID, slot)
}

// AllPaths returns every artifact path a generation may have produced.
func AllPaths(generationID string, slots int) []string {
	paths := []string{GridPath(generationID)}
	for i := 1; i <= slots; i++ {
		paths = append(paths, UpscalePath(generationID, i))
	}
	return paths
}
