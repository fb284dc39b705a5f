// ABOUTME: Typed events emitted by the gateway session and its handlers
// ABOUTME: Consumed by the generation orchestrator over the session's event channel

package gateway

// EventType indicates the kind of pipeline event.
type EventType int

const (
	EventReady EventType = iota
	EventGridCompleted
	EventUpscaleButtonsFound
	EventUpscaleCompleted
	EventError
)

// String returns a log-friendly name for the event type.
func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventGridCompleted:
		return "grid_completed"
	case EventUpscaleButtonsFound:
		return "upscale_buttons_found"
	case EventUpscaleCompleted:
		return "upscale_completed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// UpscaleButton is one captured upscale trigger on a grid message.
type UpscaleButton struct {
	Index    int
	CustomID string
}

// Event is a pipeline event for one generation.
type Event struct {
	Type         EventType
	GenerationID string

	// For EventGridCompleted
	GridImageURL string

	// For EventUpscaleButtonsFound
	MessageID string
	Buttons   []UpscaleButton

	// For EventUpscaleCompleted
	UpscaleNumber int
	UpscaleURL    string

	// For EventError
	Err error
}
