// ABOUTME: Outbound interaction payload builders for the automation bot
// ABOUTME: Constructs create-generation and button-click command bodies

package interactions

import (
	"crypto/rand"
	"encoding/hex"
)

// Interaction type discriminators on the bot HTTP API.
const (
	typeApplicationCommand    = 2
	typeMessageComponent      = 3
	commandOptionTypeString   = 3
	componentTypeButton       = 2
	applicationCommandChatTyp = 1
)

// CommandOption is one option of an application command invocation.
type CommandOption struct {
	Type  int    `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// CommandData describes the application command being invoked.
type CommandData struct {
	Version            string          `json:"version"`
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Type               int             `json:"type"`
	Options            []CommandOption `json:"options"`
	ApplicationCommand *CommandMeta    `json:"application_command,omitempty"`
	Attachments        []any           `json:"attachments"`
}

// CommandMeta repeats the command definition, as the interactions endpoint expects.
type CommandMeta struct {
	ID            string          `json:"id"`
	Type          int             `json:"type"`
	ApplicationID string          `json:"application_id"`
	Version       string          `json:"version"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Options       []CommandOption `json:"options,omitempty"`
}

// ComponentData references a clicked message component.
type ComponentData struct {
	ComponentType int    `json:"component_type"`
	CustomID      string `json:"custom_id"`
}

// CommandPayload is a type-2 application command interaction.
type CommandPayload struct {
	Type          int         `json:"type"`
	ApplicationID string      `json:"application_id"`
	GuildID       string      `json:"guild_id"`
	ChannelID     string      `json:"channel_id"`
	SessionID     string      `json:"session_id"`
	Data          CommandData `json:"data"`
}

// ClickPayload is a type-3 component interaction referencing a source message.
type ClickPayload struct {
	Type          int           `json:"type"`
	ApplicationID string        `json:"application_id"`
	GuildID       string        `json:"guild_id"`
	ChannelID     string        `json:"channel_id"`
	MessageID     string        `json:"message_id"`
	SessionID     string        `json:"session_id"`
	MessageFlags  int           `json:"message_flags"`
	Data          ComponentData `json:"data"`
}

// Target identifies where commands are posted.
type Target struct {
	ApplicationID  string
	GuildID        string
	ChannelID      string
	CommandID      string
	CommandVersion string
}

// NewImaginePayload builds the create-generation command carrying the prompt
// as a string option.
func NewImaginePayload(t Target, prompt string) CommandPayload {
	return CommandPayload{
		Type:          typeApplicationCommand,
		ApplicationID: t.ApplicationID,
		GuildID:       t.GuildID,
		ChannelID:     t.ChannelID,
		SessionID:     randomSessionID(),
		Data: CommandData{
			Version: t.CommandVersion,
			ID:      t.CommandID,
			Name:    "imagine",
			Type:    applicationCommandChatTyp,
			Options: []CommandOption{
				{Type: commandOptionTypeString, Name: "prompt", Value: prompt},
			},
			ApplicationCommand: &CommandMeta{
				ID:            t.CommandID,
				Type:          applicationCommandChatTyp,
				ApplicationID: t.ApplicationID,
				Version:       t.CommandVersion,
				Name:          "imagine",
				Description:   "Create images with Midjourney",
				Options: []CommandOption{
					{Type: commandOptionTypeString, Name: "prompt"},
				},
			},
			Attachments: []any{},
		},
	}
}

// NewClickPayload builds the button-click interaction for a captured upscale
// trigger on the originating message.
func NewClickPayload(t Target, messageID, customID string) ClickPayload {
	return ClickPayload{
		Type:          typeMessageComponent,
		ApplicationID: t.ApplicationID,
		GuildID:       t.GuildID,
		ChannelID:     t.ChannelID,
		MessageID:     messageID,
		SessionID:     randomSessionID(),
		Data: ComponentData{
			ComponentType: componentTypeButton,
			CustomID:      customID,
		},
	}
}

// randomSessionID generates a short opaque session token for a payload.
func randomSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
