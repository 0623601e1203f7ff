package models

// Ledger is the user's token balance. The user may keep submitting while TokenNumber exceeds
// ConsumedToken.
type Ledger struct {
	TokenNumber   int64 `json:"token_number"`
	ConsumedToken int64 `json:"consumed_token"`
}

// TokenUsage accumulates the tokens spent on one model.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// State is the whole conversation state of the application. Generating and Error describe the
// in-flight submission and are never persisted.
type State struct {
	Chats             []Conversation         `json:"chats"`
	CurrentChatIndex  int                    `json:"currentChatIndex"`
	Generating        bool                   `json:"-"`
	Error             string                 `json:"-"`
	Ledger            Ledger                 `json:"ledger"`
	PriceNumber       int64                  `json:"priceNumber"`
	AutoTitle         bool                   `json:"autoTitle"`
	CountTotalTokens  bool                   `json:"countTotalTokens"`
	TotalTokenUsed    map[ModelID]TokenUsage `json:"totalTokenUsed"`
	DefaultChatConfig Config                 `json:"defaultChatConfig"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	cp := s
	if s.Chats != nil {
		cp.Chats = make([]Conversation, len(s.Chats))
		for i, chat := range s.Chats {
			cp.Chats[i] = chat.Clone()
		}
	}
	if s.TotalTokenUsed != nil {
		cp.TotalTokenUsed = make(map[ModelID]TokenUsage, len(s.TotalTokenUsed))
		for k, v := range s.TotalTokenUsed {
			cp.TotalTokenUsed[k] = v
		}
	}
	return cp
}

// ChatIndex returns the position of the conversation with the given ID, or -1.
func (s State) ChatIndex(id string) int {
	for i, chat := range s.Chats {
		if chat.ID == id {
			return i
		}
	}
	return -1
}

// CurrentChat returns the conversation at CurrentChatIndex, and false if the index does not point
// at a conversation.
func (s State) CurrentChat() (Conversation, bool) {
	if s.CurrentChatIndex < 0 || s.CurrentChatIndex >= len(s.Chats) {
		return Conversation{}, false
	}
	return s.Chats[s.CurrentChatIndex], true
}

// Remaining returns the tokens the user can still spend.
func (l Ledger) Remaining() int64 {
	return l.TokenNumber - l.ConsumedToken
}

// Exhausted reports whether the balance allows no further submissions.
func (l Ledger) Exhausted() bool {
	return l.TokenNumber <= l.ConsumedToken
}
