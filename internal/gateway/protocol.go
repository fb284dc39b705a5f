// ABOUTME: Wire protocol types for the bot gateway connection
// ABOUTME: Control opcodes, close codes, and dispatch payload structures

package gateway

import "encoding/json"

// Control opcodes on the gateway connection.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opHello        = 10
	opHeartbeatACK = 11
)

// Dispatch event names delivered after identification.
const (
	eventReady         = "READY"
	eventMessageCreate = "MESSAGE_CREATE"
	eventMessageUpdate = "MESSAGE_UPDATE"
)

// Close codes with defined recovery semantics. 4004 is fatal; the session
// invalidation codes (and any unrecognized code) trigger a fresh identify.
const (
	closeAuthFailed        = 4004
	closeAlreadyIdentified = 4005
	closeInvalidSession    = 4006
	closeInvalidSequence   = 4007
)

// identifyIntents requests guild and message content events.
const identifyIntents = 4096 + 512 + 1 // MESSAGE_CONTENT | GUILD_MESSAGES | GUILDS

// payload is one gateway frame.
type payload struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// helloData is the body of an opHello frame.
type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

// readyData is the body of a READY dispatch.
type readyData struct {
	SessionID string `json:"session_id"`
}

// identifyProperties describes the connecting client.
type identifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// identifyData is the body of an opIdentify frame.
type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

// heartbeatFrame carries the last-seen sequence number (null before any event).
type heartbeatFrame struct {
	Op int    `json:"op"`
	D  *int64 `json:"d"`
}

// identifyFrame is the full identification frame sent on transport open.
type identifyFrame struct {
	Op int          `json:"op"`
	D  identifyData `json:"d"`
}

// newIdentifyFrame builds an identification frame for the given credential.
func newIdentifyFrame(token string) identifyFrame {
	return identifyFrame{
		Op: opIdentify,
		D: identifyData{
			Token:   token,
			Intents: identifyIntents,
			Properties: identifyProperties{
				OS:      "linux",
				Browser: "muse_gateway",
				Device:  "muse_gateway",
			},
		},
	}
}

// messageAuthor identifies the sender of a dispatch message.
type messageAuthor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// messageAttachment is one file attached to a dispatch message.
type messageAttachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// messageComponent is an interactive element; action rows nest buttons one
// level deep.
type messageComponent struct {
	Type       int                `json:"type"`
	CustomID   string             `json:"custom_id,omitempty"`
	Label      string             `json:"label,omitempty"`
	Components []messageComponent `json:"components,omitempty"`
}

// messageData is the body of a MESSAGE_CREATE or MESSAGE_UPDATE dispatch.
type messageData struct {
	ID          string              `json:"id"`
	Content     string              `json:"content"`
	Author      *messageAuthor      `json:"author"`
	Attachments []messageAttachment `json:"attachments"`
	Components  []messageComponent  `json:"components"`
}
