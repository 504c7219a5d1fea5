package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/anvil/internal/content"
	"github.com/dyluth/anvil/pkg/fleet"
)

func setupDispatcher(t *testing.T) (*Dispatcher, *fleet.Client) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := fleet.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return New(client), client
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("claim, fail, re-claim, succeed", func(t *testing.T) {
		d, _ := setupDispatcher(t)
		agentID := uuid.New().String()
		versionID := uuid.New().String()

		o, err := d.EnsureOrder(ctx, agentID, versionID, time.UnixMilli(1000))
		require.NoError(t, err)
		assert.Equal(t, fleet.OrderPending, o.Status)

		claimed, err := d.Claim(ctx, o.ID, time.UnixMilli(2000))
		require.NoError(t, err)
		assert.Equal(t, fleet.OrderInProgress, claimed.Status)

		failed, err := d.ReportOutcome(ctx, o.ID, fleet.OrderFailed, "image pull backoff", time.UnixMilli(3000))
		require.NoError(t, err)
		assert.Equal(t, fleet.OrderFailed, failed.Status)
		assert.Equal(t, "image pull backoff", failed.LastError)

		// The retry claims the same order rather than spawning a duplicate.
		same, err := d.EnsureOrder(ctx, agentID, versionID, time.UnixMilli(4000))
		require.NoError(t, err)
		assert.Equal(t, o.ID, same.ID)

		reclaimed, err := d.Claim(ctx, o.ID, time.UnixMilli(5000))
		require.NoError(t, err)
		assert.Equal(t, fleet.OrderInProgress, reclaimed.Status)

		done, err := d.ReportOutcome(ctx, o.ID, fleet.OrderSucceeded, "", time.UnixMilli(6000))
		require.NoError(t, err)
		assert.Equal(t, fleet.OrderSucceeded, done.Status)
		assert.Empty(t, done.LastError)

		all, err := d.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("claiming an in-progress order is rejected", func(t *testing.T) {
		d, _ := setupDispatcher(t)

		o, err := d.EnsureOrder(ctx, uuid.New().String(), uuid.New().String(), time.UnixMilli(1000))
		require.NoError(t, err)
		_, err = d.Claim(ctx, o.ID, time.UnixMilli(2000))
		require.NoError(t, err)

		_, err = d.Claim(ctx, o.ID, time.UnixMilli(3000))
		assert.ErrorIs(t, err, fleet.ErrAlreadyClaimed)
	})

	t.Run("outcome must be a terminal report", func(t *testing.T) {
		d, _ := setupDispatcher(t)

		o, err := d.EnsureOrder(ctx, uuid.New().String(), uuid.New().String(), time.UnixMilli(1000))
		require.NoError(t, err)
		_, err = d.Claim(ctx, o.ID, time.UnixMilli(2000))
		require.NoError(t, err)

		_, err = d.ReportOutcome(ctx, o.ID, fleet.OrderPending, "", time.UnixMilli(3000))
		assert.Error(t, err)
	})

	t.Run("unknown order is not found", func(t *testing.T) {
		d, _ := setupDispatcher(t)

		_, err := d.Claim(ctx, uuid.New().String(), time.Now())
		assert.ErrorIs(t, err, fleet.ErrNotFound)
		_, err = d.Get(ctx, uuid.New().String())
		assert.ErrorIs(t, err, fleet.ErrNotFound)
	})
}

func TestPollWork(t *testing.T) {
	ctx := context.Background()

	createVersion := func(t *testing.T, client *fleet.Client, blob string) *fleet.ContentVersion {
		t.Helper()
		s := &fleet.Stack{ID: uuid.New().String(), Name: uuid.New().String()}
		s.Touch(time.UnixMilli(1000))
		require.NoError(t, client.CreateStack(ctx, s))
		v, err := content.NewStore(client).Submit(ctx, s.ID, blob, time.UnixMilli(2000))
		require.NoError(t, err)
		return v
	}

	t.Run("returns claimable orders joined with content", func(t *testing.T) {
		d, client := setupDispatcher(t)
		agentID := uuid.New().String()

		v := createVersion(t, client, "image: nginx:1.27")
		o, err := d.EnsureOrder(ctx, agentID, v.ID, time.UnixMilli(3000))
		require.NoError(t, err)

		items, err := d.PollWork(ctx, agentID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, o.ID, items[0].Order.ID)
		assert.Equal(t, "image: nginx:1.27", items[0].Blob)
		assert.Equal(t, v.Checksum, items[0].Checksum)
		assert.False(t, items[0].Tombstone)
	})

	t.Run("claimed and succeeded orders are excluded", func(t *testing.T) {
		d, client := setupDispatcher(t)
		agentID := uuid.New().String()

		v1 := createVersion(t, client, "blob-1")
		v2 := createVersion(t, client, "blob-2")

		claimed, err := d.EnsureOrder(ctx, agentID, v1.ID, time.UnixMilli(3000))
		require.NoError(t, err)
		_, err = d.Claim(ctx, claimed.ID, time.UnixMilli(4000))
		require.NoError(t, err)

		pending, err := d.EnsureOrder(ctx, agentID, v2.ID, time.UnixMilli(3000))
		require.NoError(t, err)

		items, err := d.PollWork(ctx, agentID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, pending.ID, items[0].Order.ID)
	})

	t.Run("failed orders reappear for retry", func(t *testing.T) {
		d, client := setupDispatcher(t)
		agentID := uuid.New().String()

		v := createVersion(t, client, "blob-1")
		o, err := d.EnsureOrder(ctx, agentID, v.ID, time.UnixMilli(3000))
		require.NoError(t, err)
		_, err = d.Claim(ctx, o.ID, time.UnixMilli(4000))
		require.NoError(t, err)
		_, err = d.ReportOutcome(ctx, o.ID, fleet.OrderFailed, "apply failed", time.UnixMilli(5000))
		require.NoError(t, err)

		items, err := d.PollWork(ctx, agentID)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, fleet.OrderFailed, items[0].Order.Status)
	})

	t.Run("empty queue yields no items", func(t *testing.T) {
		d, _ := setupDispatcher(t)

		items, err := d.PollWork(ctx, uuid.New().String())
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}
