// Package models defines the shared data types for the gateway lifecycle
// manager: tenant identity, connection status, media payloads and the
// inbound message shape handed to the business layer.
package models

import (
	"fmt"
	"time"
)

// MediaKind tags the variant of an outbound media payload.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// Media is an outbound media payload. Exactly one of URL or Data must be
// set; documents additionally require a filename.
type Media struct {
	Kind     MediaKind `json:"kind"`
	URL      string    `json:"url,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Filename string    `json:"filename,omitempty"`
}

// Validate checks the payload for a sendable shape.
func (m Media) Validate() error {
	switch m.Kind {
	case MediaImage, MediaVideo, MediaAudio:
	case MediaDocument:
		if m.Filename == "" {
			return fmt.Errorf("document media requires a filename")
		}
	default:
		return fmt.Errorf("unknown media kind %q", m.Kind)
	}
	if m.URL == "" && len(m.Data) == 0 {
		return fmt.Errorf("media requires a url or inline data")
	}
	return nil
}

// InboundMessage is a normalized inbound chat message forwarded to the
// registered business-layer hook. Only messages from activated chats are
// forwarded.
type InboundMessage struct {
	TenantID  TenantID  `json:"tenant_id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	MessageID string    `json:"message_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
