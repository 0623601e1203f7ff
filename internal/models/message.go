package models

import "strings"

// Message is a single turn of a conversation as it is sent to the completion API.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleSystem represents the instruction message that leads a conversation.
	RoleSystem Role = "system"
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message, including the placeholder that receives
	// streamed deltas.
	RoleAssistant Role = "assistant"
)

// Streaming states reported to the browser for the message currently being rendered.
const (
	StreamingStateLoading   = "loading"
	StreamingStateStreaming = "streaming"
	StreamingStateEnded     = "ended"
)

// Completion is the result of a non-streamed completion request.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// HistoryRecord is a stored conversation turn returned by similarity search.
type HistoryRecord struct {
	ID      int64  `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DocumentSection is a reference document passage returned by similarity search.
type DocumentSection struct {
	SectionText string `json:"section_text"`
}

// IsBlank reports whether the message has no meaningful content.
func (m Message) IsBlank() bool {
	return strings.TrimSpace(m.Content) == ""
}
