package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	goopenai "github.com/sashabaranov/go-openai"
)

// documentSectionLimit is how many reference sections augment one prompt.
const documentSectionLimit = 5

// Embedder turns text into an embedding vector.
type Embedder interface {
	CreateEmbeddings(ctx context.Context, conv goopenai.EmbeddingRequestConverter) (goopenai.EmbeddingResponse, error)
}

// History stores conversation turns with their embeddings in Postgres and searches them, and the
// reference document sections, by similarity. The pool must have the pgvector types registered, as
// NewPostgresPool does.
type History struct {
	pool     *pgxpool.Pool
	embedder Embedder
	model    goopenai.EmbeddingModel

	logger *slog.Logger
}

// NewHistory creates a History that embeds text with model through embedder.
func NewHistory(pool *pgxpool.Pool, embedder Embedder, model string, logger *slog.Logger) History {
	if model == "" {
		model = string(goopenai.AdaEmbeddingV2)
	}
	return History{
		pool:     pool,
		embedder: embedder,
		model:    goopenai.EmbeddingModel(model),
		logger:   logger.With(slog.String("module", "history")),
	}
}

// NewOpenAIEmbedder creates an embedding client for the OpenAI-compatible API behind endpoint.
func NewOpenAIEmbedder(endpoint, credential string) *goopenai.Client {
	config := goopenai.DefaultConfig(credential)
	config.BaseURL = baseURL(endpoint)
	return goopenai.NewClientWithConfig(config)
}

// StoreMessageWithEmbedding saves one conversation turn of the user's session.
func (h History) StoreMessageWithEmbedding(
	ctx context.Context,
	userID, sessionID string,
	role models.Role,
	content string,
) error {
	vec, err := h.embed(ctx, content)
	if err != nil {
		return err
	}

	_, err = h.pool.Exec(ctx,
		`INSERT INTO conversation_history (user_id, session_id, role, content, embedding)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, sessionID, string(role), content, vec)
	if err != nil {
		return fmt.Errorf("insert conversation history: %w", err)
	}

	h.logger.Debug("Stored message", slog.String("sessionID", sessionID), slog.String("role", string(role)))
	return nil
}

// RetrieveSimilarHistory returns the stored turns of the user's session closest to query.
func (h History) RetrieveSimilarHistory(
	ctx context.Context,
	userID, sessionID, query string,
) ([]models.HistoryRecord, error) {
	vec, err := h.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := h.pool.Query(ctx,
		`SELECT id, role, content FROM search_conversation_history($1)
		WHERE user_id = $2 AND session_id = $3`,
		vec, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("search conversation history: %w", err)
	}
	defer rows.Close()

	var records []models.HistoryRecord
	for rows.Next() {
		var (
			rec  models.HistoryRecord
			role string
		)
		if err := rows.Scan(&rec.ID, &role, &rec.Content); err != nil {
			return nil, fmt.Errorf("scan conversation history: %w", err)
		}
		rec.Role = models.Role(role)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation history: %w", err)
	}
	return records, nil
}

// FetchDocumentSections returns the reference sections closest to query.
func (h History) FetchDocumentSections(ctx context.Context, query string) ([]models.DocumentSection, error) {
	vec, err := h.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := h.pool.Query(ctx,
		`SELECT section_text FROM search_document_sections($1) LIMIT $2`,
		vec, documentSectionLimit)
	if err != nil {
		return nil, fmt.Errorf("search document sections: %w", err)
	}
	defer rows.Close()

	var sections []models.DocumentSection
	for rows.Next() {
		var sec models.DocumentSection
		if err := rows.Scan(&sec.SectionText); err != nil {
			return nil, fmt.Errorf("scan document section: %w", err)
		}
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document sections: %w", err)
	}
	return sections, nil
}

func (h History) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := h.embedder.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: h.model,
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return pgvector.Vector{}, errors.New("create embedding: empty response")
	}
	return pgvector.NewVector(resp.Data[0].Embedding), nil
}
