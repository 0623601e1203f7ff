package services_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestBoltDBSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := services.NewBoltDB(path)
	require.NoError(t, err)
	defer db.Close()

	_, ok, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	conv := models.NewConversation("Doctor", "", models.CompanionDoctor, models.DefaultChatConfig())
	conv.Messages = append(conv.Messages, models.Message{Role: models.RoleUser, Content: "hi"})
	state := models.State{
		Chats:            []models.Conversation{conv},
		Generating:       true,
		Error:            "boom",
		Ledger:           models.Ledger{TokenNumber: 100, ConsumedToken: 10},
		PriceNumber:      1,
		AutoTitle:        true,
		TotalTokenUsed:   map[models.ModelID]models.TokenUsage{"gpt-4": {PromptTokens: 5}},
		CountTotalTokens: true,
	}
	require.NoError(t, db.SaveSnapshot(context.Background(), state))

	got, ok, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Generating)
	assert.Empty(t, got.Error)
	assert.Equal(t, state.Chats, got.Chats)
	assert.Equal(t, state.Ledger, got.Ledger)
	assert.Equal(t, state.TotalTokenUsed, got.TotalTokenUsed)
}

func TestBoltDBLoadsLegacySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := services.NewBoltDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	legacy := map[string]any{
		"chats": []any{
			map[string]any{
				"id":       "1",
				"title":    "Mentor",
				"messages": []any{map[string]any{"role": "user", "content": "hi"}},
			},
		},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)

	// Write a snapshot without a version key, as the first release did.
	bdb, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, bdb.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("state")).Put([]byte("snapshot"), raw)
	}))
	require.NoError(t, bdb.Close())

	db, err = services.NewBoltDB(path)
	require.NoError(t, err)
	defer db.Close()

	got, ok, err := db.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Chats, 1)
	assert.Equal(t, models.CompanionMentor, got.Chats[0].Companion)
	assert.True(t, got.Chats[0].TitleSet)
	assert.Equal(t, models.DefaultChatConfig(), got.Chats[0].Config)
	assert.NotNil(t, got.TotalTokenUsed)
}
