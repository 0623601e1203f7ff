package services_test

import (
	"context"
	"testing"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/MegaGrindStone/companion-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteLedger(t *testing.T) {
	ctx := context.Background()
	ledger, err := services.NewSQLiteLedger(ctx, ":memory:")
	require.NoError(t, err)
	defer ledger.Close()

	_, err = ledger.Balance(ctx, "alice")
	require.ErrorIs(t, err, models.ErrUserNotFound)
	_, err = ledger.SetConsumed(ctx, "alice", 10)
	require.ErrorIs(t, err, models.ErrUserNotFound)

	require.NoError(t, ledger.EnsureUser(ctx, "alice", 1000))
	require.NoError(t, ledger.EnsureUser(ctx, "alice", 5))

	bal, err := ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.Ledger{TokenNumber: 1000}, bal)

	stored, err := ledger.SetConsumed(ctx, "alice", 120)
	require.NoError(t, err)
	assert.EqualValues(t, 120, stored)

	// A stale write does not lower the count.
	stored, err = ledger.SetConsumed(ctx, "alice", 50)
	require.NoError(t, err)
	assert.EqualValues(t, 120, stored)

	bal, err = ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 880, bal.Remaining())
}
