package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/companion-chat/internal/models"
)

type historyData struct {
	Query   string
	Records []historyRecord
}

type historyRecord struct {
	Role    string
	Content string
}

// HandleHistory lists earlier turns of a conversation that are similar to the "q" query parameter.
// An optional chat_id selects the conversation; the current one is used otherwise.
func (m Main) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if m.history == nil {
		http.Error(w, "History search is disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}

	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = currentChatID(m.store.Snapshot())
	}

	records, err := m.history.RetrieveSimilarHistory(r.Context(), m.userID, chatID, q)
	if err != nil {
		m.logger.Error("Failed to retrieve similar history",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	data := historyData{Query: q, Records: make([]historyRecord, 0, len(records))}
	for _, rec := range records {
		if rec.Role == models.RoleSystem {
			continue
		}
		data.Records = append(data.Records, historyRecord{Role: string(rec.Role), Content: rec.Content})
	}

	if err := m.templates.ExecuteTemplate(w, "history", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
