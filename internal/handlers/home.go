package handlers

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/companion-chat/internal/models"
)

type chat struct {
	ID        string
	Title     string
	Companion string

	Active bool
}

type message struct {
	Role    string
	Content template.HTML

	StreamingState string
}

type status struct {
	Generating bool
	Error      string
	Remaining  int64
	Cost       string
}

type homePageData struct {
	Chats         []chat
	CurrentChatID string
	Messages      []message
	Status        status
	Companions    []models.Companion
	HistoryOn     bool
}

// HandleHome renders the chat page. An optional chat_id query parameter selects the conversation
// to show; otherwise the current conversation is shown.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		if err := m.store.SelectChat(chatID); err != nil {
			if errors.Is(err, models.ErrChatNotFound) {
				http.Error(w, "Chat not found", http.StatusNotFound)
				return
			}
			m.logger.Error("Failed to select chat", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	state := m.store.Snapshot()
	data := homePageData{
		Chats:      chatList(state),
		Status:     m.statusOf(state),
		Companions: models.Companions,
		HistoryOn:  m.history != nil,
	}

	if conv, ok := state.CurrentChat(); ok {
		msgs, err := renderMessages(conv, state.Generating)
		if err != nil {
			m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.CurrentChatID = conv.ID
		data.Messages = msgs
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to execute home template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func chatList(state models.State) []chat {
	chats := make([]chat, len(state.Chats))
	for i, conv := range state.Chats {
		chats[i] = chat{
			ID:        conv.ID,
			Title:     conv.Title,
			Companion: string(conv.Companion),
			Active:    i == state.CurrentChatIndex,
		}
	}
	return chats
}

func (m Main) statusOf(state models.State) status {
	st := status{
		Generating: state.Generating,
		Error:      state.Error,
		Remaining:  state.Ledger.Remaining(),
	}
	if m.coster == nil || len(state.TotalTokenUsed) == 0 {
		return st
	}
	cost, err := m.coster.UsageCost(state.TotalTokenUsed)
	if err != nil {
		m.logger.Warn("Failed to price token usage", slog.String(errLoggerKey, err.Error()))
		return st
	}
	st.Cost = cost.StringFixed(4)
	return st
}

// renderMessages converts the visible turns of conv to HTML. The system message is not shown. The
// newest assistant message is marked as streaming while a reply is being generated.
func renderMessages(conv models.Conversation, generating bool) ([]message, error) {
	msgs := make([]message, 0, len(conv.Messages))
	for i, msg := range conv.Messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		state := models.StreamingStateEnded
		if generating && i == len(conv.Messages)-1 && msg.Role == models.RoleAssistant {
			state = models.StreamingStateStreaming
			if msg.Content == "" {
				state = models.StreamingStateLoading
			}
		}

		content, err := models.RenderMarkdown(msg.Content)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, message{
			Role:           string(msg.Role),
			Content:        htmlOf(content),
			StreamingState: state,
		})
	}
	return msgs, nil
}

// htmlOf marks goldmark output as safe. goldmark escapes raw HTML in its input.
func htmlOf(rendered string) template.HTML {
	return template.HTML(rendered)
}
