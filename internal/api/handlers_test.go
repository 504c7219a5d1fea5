package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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

type apiHarness struct {
	server     *httptest.Server
	client     *fleet.Client
	agents     *registry.Registry
	stacks     *stacks.Registry
	content    *content.Store
	dispatcher *dispatch.Dispatcher
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := fleet.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	st := stacks.New(client)
	cs := content.NewStore(client)
	ag := registry.New(client, 300*time.Second)
	d := dispatch.New(client)

	srv := NewServer(client, st, cs, ag, d, ":0")
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)

	return &apiHarness{
		server:     server,
		client:     client,
		agents:     ag,
		stacks:     st,
		content:    cs,
		dispatcher: d,
	}
}

func (h *apiHarness) doJSON(t *testing.T, method, path, pak string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body *bytes.Buffer
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, h.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if pak != "" {
		req.Header.Set("Authorization", "Bearer "+pak)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (h *apiHarness) registerAgent(t *testing.T, name, cluster string) (*fleet.Agent, string) {
	t.Helper()
	agent, pak, err := h.agents.Register(context.Background(), name, cluster, nil, nil, time.Now())
	require.NoError(t, err)
	return agent, pak
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.doJSON(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Redis)
}

func TestStackEndpoints(t *testing.T) {
	t.Run("declare and get", func(t *testing.T) {
		h := newAPIHarness(t)

		resp, body := h.doJSON(t, http.MethodPost, "/api/v1/stacks", "", DeclareStackRequest{
			Name:     "ingress",
			Selector: fleet.Selector{Cluster: "prod"},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var stack fleet.Stack
		require.NoError(t, json.Unmarshal(body, &stack))
		assert.Equal(t, "ingress", stack.Name)

		resp, body = h.doJSON(t, http.MethodGet, "/api/v1/stacks/"+stack.ID, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var got fleet.Stack
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, stack.ID, got.ID)
	})

	t.Run("declare without a name is a bad request", func(t *testing.T) {
		h := newAPIHarness(t)
		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/stacks", "", DeclareStackRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown stack is 404", func(t *testing.T) {
		h := newAPIHarness(t)
		resp, _ := h.doJSON(t, http.MethodGet, "/api/v1/stacks/00000000-0000-0000-0000-000000000000", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete installs a tombstone and is idempotent", func(t *testing.T) {
		h := newAPIHarness(t)
		ctx := context.Background()

		s, err := h.stacks.Declare(ctx, "ingress", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)
		_, err = h.content.Submit(ctx, s.ID, "image: nginx", time.Now())
		require.NoError(t, err)

		resp, body := h.doJSON(t, http.MethodDelete, "/api/v1/stacks/"+s.ID, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "tombstone")

		resp, _ = h.doJSON(t, http.MethodDelete, "/api/v1/stacks/"+s.ID, "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("submit content and read it back", func(t *testing.T) {
		h := newAPIHarness(t)
		ctx := context.Background()

		s, err := h.stacks.Declare(ctx, "ingress", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)

		resp, body := h.doJSON(t, http.MethodPost, fmt.Sprintf("/api/v1/stacks/%s/content", s.ID), "", SubmitContentRequest{Blob: "image: nginx"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var version fleet.ContentVersion
		require.NoError(t, json.Unmarshal(body, &version))
		assert.NotEmpty(t, version.Checksum)

		resp, body = h.doJSON(t, http.MethodGet, fmt.Sprintf("/api/v1/stacks/%s/current", s.ID), "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var current fleet.ContentVersion
		require.NoError(t, json.Unmarshal(body, &current))
		assert.Equal(t, version.ID, current.ID)
	})
}

func TestAgentEndpoints(t *testing.T) {
	t.Run("register returns the credential once", func(t *testing.T) {
		h := newAPIHarness(t)

		resp, body := h.doJSON(t, http.MethodPost, "/api/v1/agents", "", RegisterAgentRequest{
			Name:        "edge-01",
			ClusterName: "prod",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var reg RegisterAgentResponse
		require.NoError(t, json.Unmarshal(body, &reg))
		assert.NotEmpty(t, reg.PAK)
		assert.Equal(t, "edge-01", reg.Agent.Name)

		// The stored agent never serialises its credential material.
		resp, body = h.doJSON(t, http.MethodGet, "/api/v1/agents/"+reg.Agent.ID, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotContains(t, string(body), reg.PAK)
	})

	t.Run("duplicate identity is a conflict", func(t *testing.T) {
		h := newAPIHarness(t)
		h.registerAgent(t, "edge-01", "prod")

		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/agents", "", RegisterAgentRequest{
			Name:        "edge-01",
			ClusterName: "prod",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("register requires name and cluster", func(t *testing.T) {
		h := newAPIHarness(t)
		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/agents", "", RegisterAgentRequest{Name: "edge-01"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAgentFacingAuth(t *testing.T) {
	t.Run("missing or wrong credential is a uniform 401", func(t *testing.T) {
		h := newAPIHarness(t)

		for _, pak := range []string{"", "pak_wrong"} {
			resp, body := h.doJSON(t, http.MethodGet, "/api/v1/work", pak, nil)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.JSONEq(t, `{"error":"unauthorized"}`, string(body))
		}
	})

	t.Run("deleted agent's credential stops working", func(t *testing.T) {
		h := newAPIHarness(t)
		agent, pak := h.registerAgent(t, "edge-01", "prod")

		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/heartbeat", pak, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		require.NoError(t, h.agents.SoftDelete(context.Background(), agent.ID, time.Now()))

		resp, _ = h.doJSON(t, http.MethodPost, "/api/v1/heartbeat", pak, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestWorkEndpoints(t *testing.T) {
	ctx := context.Background()

	setupWork := func(t *testing.T) (*apiHarness, *fleet.Agent, string, *fleet.WorkOrder) {
		t.Helper()
		h := newAPIHarness(t)
		agent, pak := h.registerAgent(t, "edge-01", "prod")

		s, err := h.stacks.Declare(ctx, "ingress", nil, nil, fleet.Selector{}, time.Now())
		require.NoError(t, err)
		v, err := h.content.Submit(ctx, s.ID, "image: nginx", time.Now())
		require.NoError(t, err)
		order, err := h.dispatcher.EnsureOrder(ctx, agent.ID, v.ID, time.Now())
		require.NoError(t, err)

		return h, agent, pak, order
	}

	t.Run("poll returns orders joined with content", func(t *testing.T) {
		h, _, pak, order := setupWork(t)

		resp, body := h.doJSON(t, http.MethodGet, "/api/v1/work", pak, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var items []dispatch.WorkItem
		require.NoError(t, json.Unmarshal(body, &items))
		require.Len(t, items, 1)
		assert.Equal(t, order.ID, items[0].Order.ID)
		assert.Equal(t, "image: nginx", items[0].Blob)
	})

	t.Run("claim then report a successful outcome", func(t *testing.T) {
		h, _, pak, order := setupWork(t)

		resp, body := h.doJSON(t, http.MethodPost, "/api/v1/work/"+order.ID+"/claim", pak, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var claimed fleet.WorkOrder
		require.NoError(t, json.Unmarshal(body, &claimed))
		assert.Equal(t, fleet.OrderInProgress, claimed.Status)

		resp, body = h.doJSON(t, http.MethodPost, "/api/v1/work/"+order.ID+"/outcome", pak, OutcomeRequest{Status: fleet.OrderSucceeded})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var done fleet.WorkOrder
		require.NoError(t, json.Unmarshal(body, &done))
		assert.Equal(t, fleet.OrderSucceeded, done.Status)
	})

	t.Run("double claim is a conflict", func(t *testing.T) {
		h, _, pak, order := setupWork(t)

		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/work/"+order.ID+"/claim", pak, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp, _ = h.doJSON(t, http.MethodPost, "/api/v1/work/"+order.ID+"/claim", pak, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("failed outcome records the error as data", func(t *testing.T) {
		h, _, pak, order := setupWork(t)

		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/work/"+order.ID+"/claim", pak, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp, body := h.doJSON(t, http.MethodPost, "/api/v1/work/"+order.ID+"/outcome", pak, OutcomeRequest{
			Status: fleet.OrderFailed,
			Error:  "image pull backoff",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var failed fleet.WorkOrder
		require.NoError(t, json.Unmarshal(body, &failed))
		assert.Equal(t, fleet.OrderFailed, failed.Status)
		assert.Equal(t, "image pull backoff", failed.LastError)
	})

	t.Run("outcome with a non-terminal status is a bad request", func(t *testing.T) {
		h, _, pak, order := setupWork(t)
		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/work/"+order.ID+"/outcome", pak, OutcomeRequest{Status: fleet.OrderPending})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("another agent's order is indistinguishable from missing", func(t *testing.T) {
		h, _, _, order := setupWork(t)
		_, otherPAK := h.registerAgent(t, "edge-02", "prod")

		resp, _ := h.doJSON(t, http.MethodPost, "/api/v1/work/"+order.ID+"/claim", otherPAK, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("heartbeat flips the agent active", func(t *testing.T) {
		h, _, pak, _ := setupWork(t)

		resp, body := h.doJSON(t, http.MethodPost, "/api/v1/heartbeat", pak, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var agent fleet.Agent
		require.NoError(t, json.Unmarshal(body, &agent))
		assert.Equal(t, fleet.AgentActive, agent.Status)
	})
}
