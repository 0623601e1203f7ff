package models

import (
	"strings"

	"github.com/google/uuid"
)

// ModelID names a completion model, for example "gpt-3.5-turbo".
type ModelID string

// Companion is the persona a conversation was created with. It selects the default system message
// and whether prompts are augmented with reference document sections.
type Companion string

// Built-in companions.
const (
	CompanionChatGPT      Companion = "ChatGPT"
	CompanionDoctor       Companion = "Doctor"
	CompanionMentor       Companion = "Mentor"
	CompanionChristianGPT Companion = "ChristianGPT"
)

// DefaultModel is the model new conversations start with.
const DefaultModel ModelID = "gpt-3.5-turbo"

// NewChatTitlePrefix starts the title of a conversation that has not been named yet, as in
// "New Chat 3".
const NewChatTitlePrefix = "New Chat"

const defaultSystemMessage = "You are ChatGPT, a large language model trained by OpenAI.\n" +
	"Carefully heed the user's instructions. \nRespond using Markdown."

var companionSystemMessages = map[Companion]string{
	CompanionDoctor: "Hello! I'm Doctor AI, here to assist with your health questions. " +
		"Remember, always consult with a real doctor for medical advice.",
	CompanionMentor:       "Hi there! I'm Mentor AI, at your service to offer guidance and support on your life's journey.",
	CompanionChristianGPT: "Greetings! I'm ChristianGPT, ready to discuss teachings and share insights on faith matters.",
}

// Companions lists the built-in companions in the order new installations create them.
var Companions = []Companion{CompanionChatGPT, CompanionDoctor, CompanionMentor, CompanionChristianGPT}

// Config holds the generation parameters of a conversation.
type Config struct {
	Model            ModelID `json:"model" yaml:"model"`
	MaxTokens        int     `json:"max_tokens" yaml:"maxTokens"`
	Temperature      float32 `json:"temperature" yaml:"temperature"`
	PresencePenalty  float32 `json:"presence_penalty" yaml:"presencePenalty"`
	TopP             float32 `json:"top_p" yaml:"topP"`
	FrequencyPenalty float32 `json:"frequency_penalty" yaml:"frequencyPenalty"`
}

// Conversation is an ordered message history with its generation config. Conversations are
// addressed by position in the store, but ID stays stable when chats are added or removed.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	TitleSet  bool      `json:"titleSet"`
	Folder    string    `json:"folder,omitempty"`
	Companion Companion `json:"companion"`
	Messages  []Message `json:"messages"`
	Config    Config    `json:"config"`
}

// DefaultChatConfig returns the generation config used when nothing else is configured.
func DefaultChatConfig() Config {
	return Config{
		Model:            DefaultModel,
		MaxTokens:        4000,
		Temperature:      1,
		PresencePenalty:  0,
		TopP:             1,
		FrequencyPenalty: 0,
	}
}

// SystemMessage returns the system message a conversation with the companion starts with.
func (c Companion) SystemMessage() string {
	if msg, ok := companionSystemMessages[c]; ok {
		return msg
	}
	return defaultSystemMessage
}

// NewConversation creates a conversation seeded with the companion's system message.
func NewConversation(title, folder string, companion Companion, cfg Config) Conversation {
	if companion == "" {
		companion = CompanionChatGPT
	}
	return Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		Folder:    folder,
		Companion: companion,
		Messages:  []Message{{Role: RoleSystem, Content: companion.SystemMessage()}},
		Config:    cfg,
	}
}

// Clone returns a copy of the conversation that shares no memory with c.
func (c Conversation) Clone() Conversation {
	cp := c
	if c.Messages != nil {
		cp.Messages = make([]Message, len(c.Messages))
		copy(cp.Messages, c.Messages)
	}
	return cp
}

// LastMessage returns the newest message of the conversation, and false if it has none.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// IsPlaceholderTitle reports whether title is a generated "New Chat N" title.
func IsPlaceholderTitle(title string) bool {
	return strings.HasPrefix(title, NewChatTitlePrefix)
}
