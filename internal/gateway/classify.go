// ABOUTME: Message classifier for bot dispatch traffic
// ABOUTME: Routes each message to grid, upscale, error, or ignore

package gateway

import "strings"

// messageKind is the classifier verdict for one dispatch message.
type messageKind int

const (
	kindIgnore messageKind = iota
	kindGrid
	kindUpscale
	kindError
)

// errorPhrases are substrings that mark a message as a generation failure.
// Matching is case-insensitive against the full message content.
var errorPhrases = []string{
	"invalid parameter",
	"request failed",
	"job failed",
	"queue full",
	"ratelimited",
	"banned prompt detected",
	"invalid image url",
	"blocked prompt detected",
}

// upscaleMarker appears in the content of completed upscale messages,
// e.g. "**prompt** - Image #2".
const upscaleMarker = "Image #"

// classify decides what to do with a dispatch message. Only messages
// authored by botID with both content and at least one attachment are
// considered; everything else is ignored. Error phrases are checked before
// routing so a failure message with a stray attachment is still an error.
func classify(msg *messageData, botID string) messageKind {
	if msg == nil || msg.Author == nil || msg.Author.ID != botID {
		return kindIgnore
	}
	if msg.Content == "" || len(msg.Attachments) == 0 {
		return kindIgnore
	}
	lower := strings.ToLower(msg.Content)
	for _, phrase := range errorPhrases {
		if strings.Contains(lower, phrase) {
			return kindError
		}
	}
	if strings.Contains(msg.Content, upscaleMarker) {
		return kindUpscale
	}
	return kindGrid
}
