package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/pipeline"
	"github.com/tmaxmax/go-sse"
)

// SSE event types for real-time updates.
var (
	chatsSSEType    = sse.Type("chats")
	messagesSSEType = sse.Type("messages")
	statusSSEType   = sse.Type("status")
)

// HandleChats accepts a user message through HTTP POST and hands it to the submission pipeline.
//
// The handler expects a "message" form field and an optional "chat_id" field. Without chat_id the
// message goes to the current conversation. Submissions are rejected with 409 while another reply is
// still being generated or settled, and with 429 when the rate limiter refuses them. A rejected
// message is not added to the conversation. The reply itself is streamed to the browser through
// Server-Sent Events; the response only carries the user's message and an empty assistant message in
// its loading state.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	if !m.limiter.Allow() {
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	chatID := r.FormValue("chat_id")
	if chatID == "" {
		conv, ok := m.store.Snapshot().CurrentChat()
		if !ok {
			http.Error(w, "No chat selected", http.StatusBadRequest)
			return
		}
		chatID = conv.ID
	}

	// The reply outlives the request.
	result, err := m.submitter.Send(context.Background(), chatID, msg)
	if err != nil {
		m.rejectSubmission(w, chatID, err)
		return
	}
	go m.await(chatID, result)

	userContent, err := models.RenderMarkdown(msg)
	if err != nil {
		m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = m.templates.ExecuteTemplate(w, "user_message", message{
		Role:           string(models.RoleUser),
		Content:        htmlOf(userContent),
		StreamingState: models.StreamingStateEnded,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		Role:           string(models.RoleAssistant),
		StreamingState: models.StreamingStateLoading,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// rejectSubmission maps a refused submission to a status code. Refusals the user has to act on are
// also shown in the status bar.
func (m Main) rejectSubmission(w http.ResponseWriter, chatID string, err error) {
	m.logger.Info("Submission refused", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))

	switch {
	case errors.Is(err, pipeline.ErrGenerating):
		http.Error(w, "A reply is already being generated", http.StatusConflict)
	case errors.Is(err, models.ErrChatNotFound):
		http.Error(w, "Chat not found", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrNoChats):
		http.Error(w, "No chat selected", http.StatusBadRequest)
	case errors.Is(err, pipeline.ErrBalanceExhausted):
		m.store.SetError(err.Error())
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, models.ErrUnknownModel), errors.Is(err, models.ErrMaxTokens):
		m.store.SetError(err.Error())
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		m.logger.Error("Failed to submit message", slog.String("chatID", chatID), slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) await(chatID string, result <-chan error) {
	if err := <-result; err != nil {
		// The pipeline records user-visible errors in the state, which reaches the browser
		// through the status event.
		m.logger.Warn("Submission failed",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleNewChat creates a conversation with the companion and folder given in the form, makes it the
// current one, and redirects the browser to it.
func (m Main) HandleNewChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	companion := models.Companion(r.FormValue("companion"))
	if companion == "" {
		companion = models.CompanionChatGPT
	}
	if !slices.Contains(models.Companions, companion) {
		http.Error(w, fmt.Sprintf("Unknown companion %q", companion), http.StatusBadRequest)
		return
	}

	conv := m.store.AddChat(r.FormValue("folder"), companion)

	http.Redirect(w, r, "/?chat_id="+conv.ID, http.StatusSeeOther)
}

// HandleStop cancels the reply that is being generated. Content streamed so far is kept.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.store.StopGenerating()
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE serves the Server-Sent Events stream.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Run publishes state changes to connected browsers until ctx is done. Every change republishes the
// chat list and the status; a conversation's messages are republished only when they changed.
func (m Main) Run(ctx context.Context) {
	updates, unsubscribe := m.store.Subscribe()
	defer unsubscribe()

	published := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			m.publish(state, published)
		}
	}
}

func (m Main) publish(state models.State, published map[string]string) {
	if err := m.publishChats(state); err != nil {
		m.logger.Error("Failed to publish chats", slog.String(errLoggerKey, err.Error()))
	}
	if err := m.publishStatus(state); err != nil {
		m.logger.Error("Failed to publish status", slog.String(errLoggerKey, err.Error()))
	}

	for _, conv := range state.Chats {
		fp := fingerprint(conv)
		generating := state.Generating && conv.ID == currentChatID(state)
		if generating {
			fp += "#generating"
		}
		if published[conv.ID] == fp {
			continue
		}
		if err := m.publishMessages(conv, generating); err != nil {
			m.logger.Error("Failed to publish messages",
				slog.String("chatID", conv.ID),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		published[conv.ID] = fp
	}
}

func (m Main) publishChats(state models.State) error {
	divs, err := m.chatDivs(state)
	if err != nil {
		return fmt.Errorf("failed to create chat divs: %w", err)
	}

	msg := sse.Message{
		Type: chatsSSEType,
	}
	msg.AppendData(divs)

	return m.sseSrv.Publish(&msg, chatsSSETopic)
}

func (m Main) publishStatus(state models.State) error {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "status", m.statusOf(state)); err != nil {
		return fmt.Errorf("failed to execute status template: %w", err)
	}

	msg := sse.Message{
		Type: statusSSEType,
	}
	msg.AppendData(buf.String())

	return m.sseSrv.Publish(&msg)
}

func (m Main) publishMessages(conv models.Conversation, generating bool) error {
	msgs, err := renderMessages(conv, generating)
	if err != nil {
		return fmt.Errorf("failed to render messages: %w", err)
	}

	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, "messages", msgs); err != nil {
		return fmt.Errorf("failed to execute messages template: %w", err)
	}

	msg := sse.Message{
		Type: messagesSSEType,
	}
	msg.AppendData(buf.String())

	return m.sseSrv.Publish(&msg, chatIDTopic(conv.ID))
}

func (m Main) chatDivs(state models.State) (string, error) {
	var sb bytes.Buffer
	for _, c := range chatList(state) {
		if err := m.templates.ExecuteTemplate(&sb, "chat_title", c); err != nil {
			return "", fmt.Errorf("failed to execute chat_title template: %w", err)
		}
	}
	return sb.String(), nil
}

// fingerprint identifies the visible content of a conversation. Streaming only ever grows the last
// message, so its length together with the message count changes on every delta.
func fingerprint(conv models.Conversation) string {
	last, _ := conv.LastMessage()
	return fmt.Sprintf("%d:%d:%s", len(conv.Messages), len(last.Content), last.Role)
}

func currentChatID(state models.State) string {
	conv, ok := state.CurrentChat()
	if !ok {
		return ""
	}
	return conv.ID
}
