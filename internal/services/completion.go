package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OfficialEndpoint is the chat completion endpoint of the OpenAI API. Requests to it require a
// credential.
const OfficialEndpoint = "https://api.openai.com/v1/chat/completions"

const chatCompletionsPath = "/chat/completions"

// maxErrorBodySize bounds how much of a failed response is kept for the error message.
const maxErrorBodySize = 4 << 10

// Completion sends chat histories to an OpenAI-compatible chat completion endpoint. It holds no
// per-request state and is safe for concurrent use.
type Completion struct {
	client           *http.Client
	officialEndpoint string

	logger *slog.Logger
}

// TransportError is returned when the completion endpoint answers with a non-success status.
type TransportError struct {
	StatusCode int
	Body       string
}

// Stream is the body of a streamed completion. Close cancels the request and releases the
// connection; it is safe to call more than once and from another goroutine while Read blocks.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

type completionRequest struct {
	Messages         []models.Message `json:"messages"`
	Model            models.ModelID   `json:"model"`
	Temperature      float32          `json:"temperature"`
	TopP             float32          `json:"top_p"`
	PresencePenalty  float32          `json:"presence_penalty"`
	FrequencyPenalty float32          `json:"frequency_penalty"`
	MaxTokens        int              `json:"max_tokens"`
	Stream           bool             `json:"stream"`
}

// NewCompletion creates a Completion that sends requests with client.
func NewCompletion(client *http.Client, logger *slog.Logger) Completion {
	return Completion{
		client:           client,
		officialEndpoint: OfficialEndpoint,
		logger:           logger.With(slog.String("module", "completion")),
	}
}

// CompleteStream posts messages to endpoint with streaming enabled and returns the response body
// for the caller to read. The Authorization header is only sent when credential is not empty. The
// official endpoint refuses to be called without a credential, which is reported as models.ErrAuth
// before any request is made.
func (c Completion) CompleteStream(
	ctx context.Context,
	endpoint string,
	messages []models.Message,
	cfg models.Config,
	credential string,
) (io.ReadCloser, error) {
	if err := c.checkCredential(endpoint, credential); err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(completionRequest{
		Messages:         messages,
		Model:            cfg.Model,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
		MaxTokens:        cfg.MaxTokens,
		Stream:           true,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Request", slog.String("endpoint", endpoint), slog.String("req", string(reqBody)))

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: error sending request: %w", models.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		cancel()
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return &Stream{body: resp.Body, cancel: cancel}, nil
}

// Complete posts messages to endpoint and waits for the whole reply.
func (c Completion) Complete(
	ctx context.Context,
	endpoint string,
	messages []models.Message,
	cfg models.Config,
	credential string,
) (models.Completion, error) {
	if err := c.checkCredential(endpoint, credential); err != nil {
		return models.Completion{}, err
	}

	config := goopenai.DefaultConfig(credential)
	config.BaseURL = baseURL(endpoint)
	config.HTTPClient = c.client
	client := goopenai.NewClientWithConfig(config)

	msgs := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = goopenai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	resp, err := client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:            string(cfg.Model),
		Messages:         msgs,
		MaxTokens:        cfg.MaxTokens,
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
	})
	if err != nil {
		return models.Completion{}, transportError(err)
	}

	if len(resp.Choices) == 0 {
		return models.Completion{}, fmt.Errorf("%w: no choices found", models.ErrTransport)
	}

	return models.Completion{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (c Completion) checkCredential(endpoint, credential string) error {
	if credential == "" && strings.TrimRight(endpoint, "/") == c.officialEndpoint {
		return fmt.Errorf("%w: the official endpoint requires an API key", models.ErrAuth)
	}
	return nil
}

// baseURL turns a chat completion endpoint into the API base URL go-openai expects.
func baseURL(endpoint string) string {
	return strings.TrimSuffix(strings.TrimRight(endpoint, "/"), chatCompletionsPath)
}

func transportError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &TransportError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &TransportError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("%w: error sending request: %w", models.ErrTransport, err)
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Is reports whether target is models.ErrTransport, or models.ErrAuth for a rejected credential.
func (e *TransportError) Is(target error) bool {
	switch target {
	case models.ErrTransport:
		return true
	case models.ErrAuth:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.body.Read(p)
}

// Close cancels the request and closes the body.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
