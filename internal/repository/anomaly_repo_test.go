package repository

import (
	"context"
	"testing"

	"gateway/internal/infrastructure/database"
	"gateway/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnomalyRepository_FlagOnce(t *testing.T) {
	repo := NewAnomalyRepository(database.NewTestDB(t))
	ctx := context.Background()

	flag := func(ref string) bool {
		created, err := repo.Flag(ctx, &model.Anomaly{
			ID:                uuid.NewString(),
			TransactionID:     "TXN1",
			Kind:              model.AnomalyDuplicateCharge,
			ProviderReference: ref,
			ExistingReference: "p-1",
		})
		require.NoError(t, err)
		return created
	}

	assert.True(t, flag("p-2"))
	assert.False(t, flag("p-2"), "同一流水号只记录一次")
	assert.True(t, flag("p-3"))

	list, total, err := repo.List(ctx, model.AnomalyDuplicateCharge, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)

	byTxn, err := repo.ListByTransaction(ctx, "TXN1")
	require.NoError(t, err)
	assert.Len(t, byTxn, 2)

	_, total, err = repo.List(ctx, model.AnomalyManualReview, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}
