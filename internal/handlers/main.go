package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	companionchat "github.com/MegaGrindStone/companion-chat"
	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/shopspring/decimal"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/time/rate"
)

// Submitter appends a user message to the conversation with chatID and answers it in the
// background. It fails without touching the conversation when the message cannot be answered now.
// The returned channel receives the outcome of the reply.
type Submitter interface {
	Send(ctx context.Context, chatID, content string) (<-chan error, error)
}

// UsageCoster prices the per-model token totals.
type UsageCoster interface {
	UsageCost(totals map[models.ModelID]models.TokenUsage) (decimal.Decimal, error)
}

// Store defines the operations the handlers need on the conversation state. Reads return
// snapshots; every write is a single atomic operation of the store.
type Store interface {
	Snapshot() models.State
	Subscribe() (<-chan models.State, func())

	AddChat(folder string, companion models.Companion) models.Conversation
	SelectChat(id string) error
	StopGenerating()
	SetError(msg string)
}

// HistorySearch finds earlier turns of a conversation similar to a query.
type HistorySearch interface {
	RetrieveSimilarHistory(ctx context.Context, userID, sessionID, query string) ([]models.HistoryRecord, error)
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and the hand-off of user messages to the submission pipeline.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	store     Store
	submitter Submitter
	history   HistorySearch
	coster    UsageCoster
	limiter   *rate.Limiter
	userID    string

	logger *slog.Logger
}

const (
	chatsSSETopic = "chats"

	errLoggerKey = "err"
)

// NewMain creates a new Main instance. It initializes the SSE server and parses the required HTML
// templates from the embedded filesystem. Clients subscribe to the default topic and the chats topic,
// and to the topic of one conversation when they pass its chat_id. history may be nil, which disables
// the similar-history panel. coster may be nil, which hides the usage cost. limiter throttles message
// submissions; nil means no limit.
func NewMain(
	store Store,
	submitter Submitter,
	history HistorySearch,
	coster UsageCoster,
	limiter *rate.Limiter,
	userID string,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		companionchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, chatsSSETopic}

				chatID := s.Req.URL.Query().Get("chat_id")
				if chatID != "" {
					topics = append(topics, chatIDTopic(chatID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		store:     store,
		submitter: submitter,
		history:   history,
		coster:    coster,
		limiter:   limiter,
		userID:    userID,
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

func chatIDTopic(chatID string) string {
	return fmt.Sprintf("chat-%s", chatID)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// An SSE event without data is never dispatched by browsers
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
