package content

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/anvil/pkg/fleet"
)

func setupStore(t *testing.T) (*Store, *fleet.Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := fleet.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewStore(client), client
}

func createStack(t *testing.T, client *fleet.Client, name string) *fleet.Stack {
	t.Helper()
	s := &fleet.Stack{ID: uuid.New().String(), Name: name}
	s.Touch(time.UnixMilli(1000))
	require.NoError(t, client.CreateStack(context.Background(), s))
	return s
}

func TestChecksum(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		assert.Equal(t, Checksum("hello"), Checksum("hello"))
		assert.NotEqual(t, Checksum("hello"), Checksum("world"))
	})

	t.Run("empty blob has a well known digest", func(t *testing.T) {
		// sha256 of the empty string.
		assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Checksum(""))
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("stores blob with its checksum", func(t *testing.T) {
		store, client := setupStore(t)
		s := createStack(t, client, "ingress")

		v, err := store.Submit(ctx, s.ID, "image: nginx:1.27", time.UnixMilli(2000))
		require.NoError(t, err)
		assert.Equal(t, Checksum("image: nginx:1.27"), v.Checksum)
		assert.False(t, v.Tombstone)

		current, err := store.Current(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, v.ID, current.ID)
	})

	t.Run("rejects an empty blob", func(t *testing.T) {
		store, client := setupStore(t)
		s := createStack(t, client, "ingress")

		_, err := store.Submit(ctx, s.ID, "", time.UnixMilli(2000))
		assert.Error(t, err)
	})

	t.Run("resubmitting identical content keeps the existing version", func(t *testing.T) {
		store, client := setupStore(t)
		s := createStack(t, client, "ingress")

		first, err := store.Submit(ctx, s.ID, "image: nginx:1.27", time.UnixMilli(2000))
		require.NoError(t, err)

		second, err := store.Submit(ctx, s.ID, "image: nginx:1.27", time.UnixMilli(3000))
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		history, err := store.List(ctx, s.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("changed content supersedes the current version", func(t *testing.T) {
		store, client := setupStore(t)
		s := createStack(t, client, "ingress")

		_, err := store.Submit(ctx, s.ID, "image: nginx:1.27", time.UnixMilli(2000))
		require.NoError(t, err)
		updated, err := store.Submit(ctx, s.ID, "image: nginx:1.28", time.UnixMilli(3000))
		require.NoError(t, err)

		current, err := store.Current(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, updated.ID, current.ID)

		history, err := store.List(ctx, s.ID)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}

func TestNewTombstone(t *testing.T) {
	stackID := uuid.New().String()
	v := NewTombstone(stackID, time.UnixMilli(5000))

	assert.True(t, v.Tombstone)
	assert.Empty(t, v.Blob)
	assert.Equal(t, Checksum(""), v.Checksum)
	assert.Equal(t, stackID, v.StackID)
	assert.Equal(t, int64(5000), v.SubmittedAtMs)
	require.NoError(t, v.Validate())
}
