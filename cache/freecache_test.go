package cache

import (
	"context"
	"testing"
	"time"

	"github.com/coocood/freecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestFreeCache(t *testing.T) Cache {
	t.Helper()
	// Create a 1MB cache for testing
	return NewFreeCache(freecache.NewCache(1024 * 1024))
}

func TestFreeCache_SetGet(t *testing.T) {
	cache := createTestFreeCache(t)
	ctx := context.Background()

	t.Run("successful set", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "test-key", "test-value", time.Minute))

		value, err := cache.Get(ctx, "test-key")
		require.NoError(t, err)
		assert.Equal(t, "test-value", value)
	})

	t.Run("set with zero expiry", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "test-key-zero", "test-value-zero", 0))

		value, err := cache.Get(ctx, "test-key-zero")
		require.NoError(t, err)
		assert.Equal(t, "test-value-zero", value)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "test-key", "updated", time.Minute))

		value, err := cache.Get(ctx, "test-key")
		require.NoError(t, err)
		assert.Equal(t, "updated", value)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := cache.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestFreeCache_DeleteAndClear(t *testing.T) {
	cache := createTestFreeCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, cache.Set(ctx, "b", "2", time.Minute))

	require.NoError(t, cache.Delete(ctx, "a"))
	require.NoError(t, cache.Delete(ctx, "a"))
	_, err := cache.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, cache.Clear(ctx))
	_, err = cache.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFreeCache_Typed(t *testing.T) {
	type descriptor struct {
		Name     string `json:"name"`
		Deadline int    `json:"ackDeadlineSeconds"`
	}
	cache := createTestFreeCache(t)
	ctx := context.Background()

	want := descriptor{Name: "projects/test/subscriptions/sub-42", Deadline: 60}
	require.NoError(t, SetTyped(ctx, cache, "sub", want, time.Minute))

	got, err := GetTyped[descriptor](ctx, cache, "sub")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, cache.Set(ctx, "broken", "{", time.Minute))
	_, err = GetTyped[descriptor](ctx, cache, "broken")
	assert.ErrorIs(t, err, ErrJsonUnmarshal)

	err = SetTyped(ctx, cache, "chan", make(chan int), time.Minute)
	assert.ErrorIs(t, err, ErrJsonMarshal)
}
