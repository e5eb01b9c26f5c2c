package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOp(provider string, cost float64, createdAt int64) *AiOperation {
	return &AiOperation{
		Provider:     provider,
		Model:        "gpt-4o-mini",
		Operation:    "classify",
		InputTokens:  10,
		OutputTokens: 5,
		CostUsd:      cost,
		CreatedAt:    createdAt,
	}
}

func TestAiOperationRepo_InsertAndRollup(t *testing.T) {
	repo := NewAiOperationRepo(newTestDB(t))
	ctx := context.Background()
	now := NowMs()

	require.NoError(t, repo.Insert(ctx, sampleOp("openai", 0.01, now)))
	require.NoError(t, repo.Insert(ctx, sampleOp("openai", 0.02, now)))
	require.NoError(t, repo.Insert(ctx, sampleOp("anthropic", 0.05, now)))

	rollup, err := repo.RollupByProviderSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rollup, 2)

	byProvider := map[string]ProviderRollup{}
	for _, r := range rollup {
		byProvider[r.Provider] = r
	}
	assert.Equal(t, 2, byProvider["openai"].Operations)
	assert.InDelta(t, 0.03, byProvider["openai"].CostUsd, 0.0001)
	assert.Equal(t, 1, byProvider["anthropic"].Operations)
}

func TestAiOperationRepo_RollupSince_ExcludesOlder(t *testing.T) {
	repo := NewAiOperationRepo(newTestDB(t))
	ctx := context.Background()
	now := NowMs()

	require.NoError(t, repo.Insert(ctx, sampleOp("openai", 0.01, now-100000)))
	require.NoError(t, repo.Insert(ctx, sampleOp("openai", 0.02, now)))

	rollup, err := repo.RollupByProviderSince(ctx, now-1000)
	require.NoError(t, err)
	require.Len(t, rollup, 1)
	assert.Equal(t, 1, rollup[0].Operations)
}

func TestAiOperationRepo_CostByPluginSince(t *testing.T) {
	db := newTestDB(t)
	seedPlugin(t, db, "p1")
	repo := NewAiOperationRepo(db)
	ctx := context.Background()
	now := NowMs()
	pluginID := "p1"

	op1 := sampleOp("openai", 0.03, now)
	op1.PluginID = &pluginID
	op2 := sampleOp("openai", 0.07, now)
	op2.PluginID = &pluginID
	other := sampleOp("openai", 1.00, now)

	require.NoError(t, repo.Insert(ctx, op1))
	require.NoError(t, repo.Insert(ctx, op2))
	require.NoError(t, repo.Insert(ctx, other))

	cost, err := repo.CostByPluginSince(ctx, pluginID, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, cost, 0.0001)
}

func TestAiOperationRepo_CountSince(t *testing.T) {
	repo := NewAiOperationRepo(newTestDB(t))
	ctx := context.Background()
	now := NowMs()
	require.NoError(t, repo.Insert(ctx, sampleOp("openai", 0.01, now)))
	require.NoError(t, repo.Insert(ctx, sampleOp("openai", 0.01, now)))

	count, err := repo.CountSince(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAiOperationRepo_DeleteOlderThan(t *testing.T) {
	repo := NewAiOperationRepo(newTestDB(t))
	ctx := context.Background()
	now := NowMs()

	require.NoError(t, repo.Insert(ctx, sampleOp("openai", 0.01, now-1_000_000)))
	require.NoError(t, repo.Insert(ctx, sampleOp("openai", 0.01, now)))

	n, err := repo.DeleteOlderThan(ctx, now-500_000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := repo.CountSince(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
