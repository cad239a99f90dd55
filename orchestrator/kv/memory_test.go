package kv_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/orchestrator/kv"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LazyExpiry(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)

	// An expired key no longer blocks SetIfAbsent.
	won, err := store.SetIfAbsent(ctx, "k", "w", time.Minute)
	require.NoError(t, err)
	require.True(t, won)
}

func TestMemoryStore_IncrConcurrent(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Incr(ctx, "counter")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(51), n)
}

func TestMemoryStore_SetIfAbsentSingleWinner(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.SetIfAbsent(ctx, "flag", "x", 0)
			require.NoError(t, err)
			if won {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	require.Len(t, wins, 1)
}
