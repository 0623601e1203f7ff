package store

import (
	"fmt"

	"github.com/MegaGrindStone/companion-chat/internal/models"
)

// AddChat creates a conversation for companion at the top of the list, titled "New Chat N" with the
// smallest N not yet used, and makes it the current conversation. It returns the new conversation.
func (s *Store) AddChat(folder string, companion models.Companion) models.Conversation {
	var conv models.Conversation
	s.Update(func(state *models.State) {
		titles := make(map[string]bool, len(state.Chats))
		for _, chat := range state.Chats {
			titles[chat.Title] = true
		}
		n := 1
		for titles[fmt.Sprintf("%s %d", models.NewChatTitlePrefix, n)] {
			n++
		}

		conv = models.NewConversation(fmt.Sprintf("%s %d", models.NewChatTitlePrefix, n), folder, companion,
			state.DefaultChatConfig)
		state.Chats = append([]models.Conversation{conv}, state.Chats...)
		state.CurrentChatIndex = 0
	})
	return conv.Clone()
}

// InitialiseNewChats replaces the conversations with one per built-in companion, each titled after
// its companion.
func (s *Store) InitialiseNewChats() {
	s.Update(func(state *models.State) {
		chats := make([]models.Conversation, 0, len(models.Companions))
		for _, companion := range models.Companions {
			chats = append(chats, models.NewConversation(string(companion), "", companion, state.DefaultChatConfig))
		}
		state.Chats = chats
		state.CurrentChatIndex = 0
	})
}

// SelectChat makes the conversation with the given ID current.
func (s *Store) SelectChat(id string) error {
	var err error
	s.Update(func(state *models.State) {
		idx := state.ChatIndex(id)
		if idx < 0 {
			err = fmt.Errorf("%w: %s", models.ErrChatNotFound, id)
			return
		}
		state.CurrentChatIndex = idx
	})
	return err
}

// StopGenerating clears the generating flag. A streaming submission observes this and stops
// reading.
func (s *Store) StopGenerating() {
	s.Update(func(state *models.State) {
		state.Generating = false
	})
}

// SetError records a user-visible error message.
func (s *Store) SetError(msg string) {
	s.Update(func(state *models.State) {
		state.Error = msg
	})
}

// SetLedger replaces the ledger with a freshly read balance.
func (s *Store) SetLedger(ledger models.Ledger) {
	s.Update(func(state *models.State) {
		state.Ledger = ledger
	})
}
