package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systemflow/flowsync/internal/rowstore/memory"
)

func TestRebuildAggregatesByRoom(t *testing.T) {
	backend := memory.New()
	base := time.Now()
	backend.SeedNotifications(
		chatNotification("n1", "r1", base),
		chatNotification("n2", "r1", base),
		chatNotification("n3", "r2", base),
	)

	agg := NewAggregator(backend, "u1")
	require.NoError(t, agg.Rebuild(context.Background()))

	require.Equal(t, map[string]int{"r1": 2, "r2": 1}, agg.Counts())
	require.Equal(t, 3, agg.Total())
	require.True(t, agg.HasAnyUnread())
}

func TestRebuildPaginatesUntilShortPage(t *testing.T) {
	backend := memory.New()
	base := time.Now()
	for i := 0; i < 5; i++ {
		backend.SeedNotifications(chatNotification(fmt.Sprintf("n%d", i), "r1", base))
	}

	agg := NewAggregator(backend, "u1", WithRebuildPageSize(2))
	require.NoError(t, agg.Rebuild(context.Background()))
	require.Equal(t, 5, agg.Get("r1"))
}

func TestRebuildErrorKeepsPriorCounts(t *testing.T) {
	backend := memory.New()
	backend.SeedNotifications(chatNotification("n1", "r1", time.Now()))

	agg := NewAggregator(backend, "u1")
	require.NoError(t, agg.Rebuild(context.Background()))
	require.Equal(t, 1, agg.Get("r1"))

	backend.FailPulls = context.DeadlineExceeded
	require.Error(t, agg.Rebuild(context.Background()))
	require.Equal(t, 1, agg.Get("r1"))
}

func TestRebuildSkipsRowsWithoutRoom(t *testing.T) {
	backend := memory.New()
	n := chatNotification("n1", "", time.Now())
	backend.SeedNotifications(n)

	agg := NewAggregator(backend, "u1")
	require.NoError(t, agg.Rebuild(context.Background()))
	require.False(t, agg.HasAnyUnread())
}

func TestAdjustClampsAtZeroAndDeletesKey(t *testing.T) {
	agg := NewAggregator(memory.New(), "u1")

	agg.Adjust("r1", 2)
	require.Equal(t, 2, agg.Get("r1"))

	agg.Adjust("r1", -1)
	require.Equal(t, 1, agg.Get("r1"))

	agg.Adjust("r1", -5)
	require.Zero(t, agg.Get("r1"))
	require.NotContains(t, agg.Counts(), "r1", "zero counts are never stored")

	agg.Adjust("r1", -1)
	require.NotContains(t, agg.Counts(), "r1", "decrement of absent key stays absent")
}

func TestAdjustIgnoresEmptyRoom(t *testing.T) {
	agg := NewAggregator(memory.New(), "u1")
	agg.Adjust("", 3)
	require.Empty(t, agg.Counts())
}

func TestClearIsIdempotent(t *testing.T) {
	agg := NewAggregator(memory.New(), "u1")
	agg.Adjust("r1", 2)

	agg.Clear("r1")
	require.Zero(t, agg.Get("r1"))
	agg.Clear("r1")
	require.Zero(t, agg.Get("r1"))
}

func TestAggregatorReset(t *testing.T) {
	agg := NewAggregator(memory.New(), "u1")
	agg.Adjust("r1", 2)

	agg.Reset()
	require.Empty(t, agg.Counts())
	require.False(t, agg.HasAnyUnread())
}
