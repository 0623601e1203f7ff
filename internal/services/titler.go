package services

import (
	"context"

	"github.com/MegaGrindStone/companion-chat/internal/models"
)

// CompletionTitler generates conversation titles with a non-streamed request to the completion
// endpoint.
type CompletionTitler struct {
	completion Completion
	endpoint   string
	credential string
	config     models.Config
}

// NewCompletionTitler creates a CompletionTitler that asks endpoint with the given generation
// config.
func NewCompletionTitler(completion Completion, endpoint, credential string, cfg models.Config) CompletionTitler {
	return CompletionTitler{
		completion: completion,
		endpoint:   endpoint,
		credential: credential,
		config:     cfg,
	}
}

// GenerateTitle sends prompt as a single user message and returns the reply.
func (t CompletionTitler) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	res, err := t.completion.Complete(ctx, t.endpoint, []models.Message{
		{Role: models.RoleUser, Content: prompt},
	}, t.config, t.credential)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}
