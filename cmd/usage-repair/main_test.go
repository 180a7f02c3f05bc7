package main

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xenking/servicebook/internal/domain/coupon"
	"github.com/xenking/servicebook/internal/storage/memory"
)

func driftedLedger(t *testing.T) *coupon.Ledger {
	t.Helper()
	store := memory.New(0)
	for _, c := range []coupon.Coupon{
		{ID: "cp-a", Code: "A", Type: coupon.TypeFixed, Value: decimal.NewFromInt(5), UsageCount: 4, Active: true},
		{ID: "cp-b", Code: "B", Type: coupon.TypeFixed, Value: decimal.NewFromInt(5), Active: true},
	} {
		require.NoError(t, store.PutCoupon(c))
	}
	return coupon.NewLedger(store, nil)
}

func TestRepair_All(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	err := repair(context.Background(), zap.New(core), driftedLedger(t), "")
	require.NoError(t, err)

	entries := logs.FilterMessage("Usage counts recalculated").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(2), fields["checked"])
	assert.Equal(t, int64(1), fields["fixed"])
}

func TestRepair_One(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	err := repair(context.Background(), zap.New(core), driftedLedger(t), "cp-a")
	require.NoError(t, err)

	entries := logs.FilterMessage("Usage count recalculated").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(0), entries[0].ContextMap()["usage_count"])
}

func TestRepair_UnknownCoupon(t *testing.T) {
	err := repair(context.Background(), zap.NewNop(), driftedLedger(t), "cp-missing")
	require.ErrorIs(t, err, coupon.ErrNotFound)
}
