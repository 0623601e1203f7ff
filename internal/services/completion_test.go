package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCompleteStream(t *testing.T) {
	var (
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := services.NewCompletion(srv.Client(), discardLogger())
	cfg := models.DefaultChatConfig()
	msgs := []models.Message{{Role: models.RoleUser, Content: "hello"}}

	t.Run("with credential", func(t *testing.T) {
		body, err := c.CompleteStream(context.Background(), srv.URL+"/v1/chat/completions", msgs, cfg, "secret")
		require.NoError(t, err)
		defer body.Close()

		b, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Contains(t, string(b), "[DONE]")
		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, true, gotBody["stream"])
		assert.Equal(t, "gpt-3.5-turbo", gotBody["model"])
		assert.EqualValues(t, 4000, gotBody["max_tokens"])
	})

	t.Run("without credential", func(t *testing.T) {
		body, err := c.CompleteStream(context.Background(), srv.URL, msgs, cfg, "")
		require.NoError(t, err)
		require.NoError(t, body.Close())
		assert.Empty(t, gotAuth)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		body, err := c.CompleteStream(context.Background(), srv.URL, msgs, cfg, "")
		require.NoError(t, err)
		require.NoError(t, body.Close())
		assert.NoError(t, body.Close())
	})
}

func TestCompleteStreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
		default:
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := services.NewCompletion(srv.Client(), discardLogger())
	cfg := models.DefaultChatConfig()
	msgs := []models.Message{{Role: models.RoleUser, Content: "hello"}}

	_, err := c.CompleteStream(context.Background(), srv.URL+"/busy", msgs, cfg, "key")
	require.ErrorIs(t, err, models.ErrTransport)
	assert.NotErrorIs(t, err, models.ErrAuth)
	var terr *services.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusServiceUnavailable, terr.StatusCode)
	assert.Contains(t, terr.Body, "overloaded")

	_, err = c.CompleteStream(context.Background(), srv.URL+"/unauthorized", msgs, cfg, "key")
	assert.ErrorIs(t, err, models.ErrAuth)

	_, err = c.CompleteStream(context.Background(), services.OfficialEndpoint, msgs, cfg, "")
	assert.ErrorIs(t, err, models.ErrAuth)

	srv.Close()
	_, err = c.CompleteStream(context.Background(), srv.URL, msgs, cfg, "key")
	assert.ErrorIs(t, err, models.ErrTransport)
}

func TestComplete(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "\"Greeting Exchange\""}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	c := services.NewCompletion(srv.Client(), discardLogger())
	res, err := c.Complete(context.Background(), srv.URL+"/v1/chat/completions",
		[]models.Message{{Role: models.RoleUser, Content: "title please"}}, models.DefaultChatConfig(), "key")
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, `"Greeting Exchange"`, res.Content)
	assert.Equal(t, 12, res.PromptTokens)
	assert.Equal(t, 3, res.CompletionTokens)

	titler := services.NewCompletionTitler(c, srv.URL+"/v1/chat/completions", "key", models.DefaultChatConfig())
	title, err := titler.GenerateTitle(context.Background(), "title please")
	require.NoError(t, err)
	assert.Equal(t, `"Greeting Exchange"`, title)
}

func TestCompleteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c := services.NewCompletion(srv.Client(), discardLogger())
	_, err := c.Complete(context.Background(), srv.URL+"/v1/chat/completions",
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, models.DefaultChatConfig(), "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrAuth), "got %v", err)
	assert.ErrorIs(t, err, models.ErrTransport)

	_, err = c.Complete(context.Background(), services.OfficialEndpoint,
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, models.DefaultChatConfig(), "")
	assert.ErrorIs(t, err, models.ErrAuth)
}
