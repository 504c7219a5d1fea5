package recon

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/anvil/internal/content"
	"github.com/dyluth/anvil/internal/dispatch"
	"github.com/dyluth/anvil/internal/registry"
	"github.com/dyluth/anvil/internal/stacks"
	"github.com/dyluth/anvil/pkg/fleet"
)

type testHarness struct {
	client     *fleet.Client
	stacks     *stacks.Registry
	content    *content.Store
	agents     *registry.Registry
	dispatcher *dispatch.Dispatcher
	engine     *Engine
}

func setupEngine(t *testing.T) *testHarness {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := fleet.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	agents := registry.New(client, 300*time.Second)
	dispatcher := dispatch.New(client)

	return &testHarness{
		client:     client,
		stacks:     stacks.New(client),
		content:    content.NewStore(client),
		agents:     agents,
		dispatcher: dispatcher,
		engine:     NewEngine(client, agents, dispatcher, time.Minute),
	}
}

// activeAgent registers an agent and heartbeats it so it reads ACTIVE.
func (h *testHarness) activeAgent(t *testing.T, name, cluster string, labels map[string]string) *fleet.Agent {
	t.Helper()
	ctx := context.Background()
	a, _, err := h.agents.Register(ctx, name, cluster, labels, nil, time.Now())
	require.NoError(t, err)
	_, err = h.agents.Heartbeat(ctx, a.ID, time.Now())
	require.NoError(t, err)
	return a
}

func TestReconcileStack(t *testing.T) {
	ctx := context.Background()

	t.Run("selector restricts the target set by cluster and labels", func(t *testing.T) {
		h := setupEngine(t)

		prodGPU := h.activeAgent(t, "gpu-01", "prod", map[string]string{"tier": "gpu"})
		prodCPU := h.activeAgent(t, "cpu-01", "prod", map[string]string{"tier": "cpu"})
		devGPU := h.activeAgent(t, "gpu-02", "dev", map[string]string{"tier": "gpu"})

		s, err := h.stacks.Declare(ctx, "gpu-tuning", nil, nil, fleet.Selector{
			Cluster:     "prod",
			MatchLabels: map[string]string{"tier": "gpu"},
		}, time.Now())
		require.NoError(t, err)
		v, err := h.content.Submit(ctx, s.ID, "tuning: enabled", time.Now())
		require.NoError(t, err)

		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		matched, err := h.dispatcher.ListForAgent(ctx, prodGPU.ID)
		require.NoError(t, err)
		require.Len(t, matched, 1)
		assert.Equal(t, v.ID, matched[0].ContentVersionID)

		for _, miss := range []*fleet.Agent{prodCPU, devGPU} {
			orders, err := h.dispatcher.ListForAgent(ctx, miss.ID)
			require.NoError(t, err)
			assert.Empty(t, orders)
		}
	})

	t.Run("empty selector targets every active agent", func(t *testing.T) {
		h := setupEngine(t)

		a1 := h.activeAgent(t, "edge-01", "prod", nil)
		a2 := h.activeAgent(t, "edge-02", "dev", nil)

		s, err := h.stacks.Declare(ctx, "logging", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)
		_, err = h.content.Submit(ctx, s.ID, "log: everything", time.Now())
		require.NoError(t, err)

		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		for _, a := range []*fleet.Agent{a1, a2} {
			orders, err := h.dispatcher.ListForAgent(ctx, a.ID)
			require.NoError(t, err)
			assert.Len(t, orders, 1)
		}
	})

	t.Run("inactive agents are assigned no work", func(t *testing.T) {
		h := setupEngine(t)

		// Registered but never heartbeated.
		a, _, err := h.agents.Register(ctx, "edge-01", "prod", nil, nil, time.Now())
		require.NoError(t, err)

		s, err := h.stacks.Declare(ctx, "logging", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)
		_, err = h.content.Submit(ctx, s.ID, "log: everything", time.Now())
		require.NoError(t, err)

		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		orders, err := h.dispatcher.ListForAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, orders)
	})

	t.Run("reconcile is idempotent", func(t *testing.T) {
		h := setupEngine(t)

		a := h.activeAgent(t, "edge-01", "prod", nil)
		s, err := h.stacks.Declare(ctx, "logging", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)
		_, err = h.content.Submit(ctx, s.ID, "log: everything", time.Now())
		require.NoError(t, err)

		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))
		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))
		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		orders, err := h.dispatcher.ListForAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, orders, 1)
	})

	t.Run("stack without content dispatches nothing", func(t *testing.T) {
		h := setupEngine(t)

		a := h.activeAgent(t, "edge-01", "prod", nil)
		s, err := h.stacks.Declare(ctx, "empty", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)

		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		orders, err := h.dispatcher.ListForAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, orders)
	})

	t.Run("new content version yields a new order per agent", func(t *testing.T) {
		h := setupEngine(t)

		a := h.activeAgent(t, "edge-01", "prod", nil)
		s, err := h.stacks.Declare(ctx, "logging", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)

		_, err = h.content.Submit(ctx, s.ID, "v1", time.Now())
		require.NoError(t, err)
		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		_, err = h.content.Submit(ctx, s.ID, "v2", time.Now())
		require.NoError(t, err)
		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		orders, err := h.dispatcher.ListForAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, orders, 2)
	})
}

func TestReconcileDeletedStack(t *testing.T) {
	ctx := context.Background()

	t.Run("tombstone produces removal orders", func(t *testing.T) {
		h := setupEngine(t)

		a := h.activeAgent(t, "edge-01", "prod", nil)
		s, err := h.stacks.Declare(ctx, "ingress", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)
		_, err = h.content.Submit(ctx, s.ID, "image: nginx", time.Now())
		require.NoError(t, err)
		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		tombstone, err := h.stacks.SoftDelete(ctx, s.ID, time.Now())
		require.NoError(t, err)
		require.NotNil(t, tombstone)

		require.NoError(t, h.engine.ReconcileStack(ctx, s.ID))

		orders, err := h.dispatcher.ListForAgent(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, orders, 2)

		items, err := h.dispatcher.PollWork(ctx, a.ID)
		require.NoError(t, err)

		var sawTombstone bool
		for _, item := range items {
			if item.Tombstone {
				sawTombstone = true
				assert.Empty(t, item.Blob)
			}
		}
		assert.True(t, sawTombstone)
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("reconciles every stack and rematerialises statuses", func(t *testing.T) {
		h := setupEngine(t)

		a := h.activeAgent(t, "edge-01", "prod", nil)

		s1, err := h.stacks.Declare(ctx, "one", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)
		_, err = h.content.Submit(ctx, s1.ID, "blob-1", time.Now())
		require.NoError(t, err)

		s2, err := h.stacks.Declare(ctx, "two", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)
		_, err = h.content.Submit(ctx, s2.ID, "blob-2", time.Now())
		require.NoError(t, err)

		require.NoError(t, h.engine.Sweep(ctx))

		orders, err := h.dispatcher.ListForAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, orders, 2)
	})
}
