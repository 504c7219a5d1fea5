// Package registry implements the agent registry and authenticator: agent
// identity bound to a cluster, hashed-credential authentication on the poll
// hot path, heartbeat liveness, and soft-delete with cascade to the agent's
// work order history.
package registry

import (
	"context"
	"time"

	"github.com/dyluth/anvil/pkg/fleet"
	"github.com/google/uuid"
)

// Registry provides agent operations on top of the fleet client.
type Registry struct {
	client *fleet.Client
	window time.Duration
}

// New creates an agent registry. window is the heartbeat freshness window:
// an agent is ACTIVE only while its last heartbeat is younger than this.
func New(client *fleet.Client, window time.Duration) *Registry {
	return &Registry{client: client, window: window}
}

// Window returns the configured heartbeat freshness window.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Register creates an agent and issues its credential. The raw PAK is
// returned exactly once; only its hash is stored. Fails with
// fleet.ErrDuplicateAgent if a non-deleted agent already holds the
// (name, cluster) pair.
func (r *Registry) Register(ctx context.Context, name, clusterName string, labels, annotations map[string]string, at time.Time) (*fleet.Agent, string, error) {
	pak, err := GeneratePAK()
	if err != nil {
		return nil, "", err
	}

	a := &fleet.Agent{
		ID:          uuid.New().String(),
		Name:        name,
		ClusterName: clusterName,
		Labels:      labels,
		Annotations: annotations,
		Status:      fleet.AgentInactive,
		PAKHash:     HashPAK(pak),
	}
	a.Touch(at)

	if err := r.client.CreateAgent(ctx, a); err != nil {
		return nil, "", err
	}
	return a, pak, nil
}

// Authenticate resolves a presented credential to a live agent via the hash
// index: one lookup, independent of population size. Any miss (unknown hash,
// deleted agent, empty credential) yields fleet.ErrUnauthenticated with no
// detail about which part of the identity was wrong.
func (r *Registry) Authenticate(ctx context.Context, presented string) (*fleet.Agent, error) {
	if presented == "" {
		return nil, fleet.ErrUnauthenticated
	}

	agentID, err := r.client.AgentIDByPAKHash(ctx, HashPAK(presented))
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil, fleet.ErrUnauthenticated
		}
		return nil, err
	}

	a, err := r.client.GetAgent(ctx, agentID)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil, fleet.ErrUnauthenticated
		}
		return nil, err
	}
	if a.Deleted() {
		return nil, fleet.ErrUnauthenticated
	}
	return a, nil
}

// Heartbeat records agent liveness at the given time and rematerialises the
// status field. Returns fleet.ErrNotFound for unknown or deleted agents.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, at time.Time) (*fleet.Agent, error) {
	a, err := r.client.GetAgent(ctx, agentID)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil, fleet.ErrNotFound
		}
		return nil, err
	}
	if a.Deleted() {
		return nil, fleet.ErrNotFound
	}

	a.LastHeartbeatMs = at.UnixMilli()
	a.Status = a.StatusAt(at, r.window)
	a.UpdatedAtMs = at.UnixMilli()

	if err := r.client.HeartbeatAgent(ctx, agentID, at, a.Status); err != nil {
		if fleet.IsNotFound(err) {
			return nil, fleet.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// Get retrieves an agent with its status computed from the freshness window
// at the given time, rather than trusting the materialised field.
func (r *Registry) Get(ctx context.Context, agentID string, now time.Time) (*fleet.Agent, error) {
	a, err := r.client.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	a.Status = a.StatusAt(now, r.window)
	return a, nil
}

// List retrieves all non-deleted agents with statuses computed at the given
// time. This is the agent set the reconciler evaluates selectors against.
func (r *Registry) List(ctx context.Context, now time.Time) ([]*fleet.Agent, error) {
	all, err := r.client.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	agents := make([]*fleet.Agent, 0, len(all))
	for _, a := range all {
		if a.Deleted() {
			continue
		}
		a.Status = a.StatusAt(now, r.window)
		agents = append(agents, a)
	}
	return agents, nil
}

// SetLabels replaces an agent's labels, which may change which stacks target
// it. Publishing the update lets the reconciler re-evaluate selectors.
func (r *Registry) SetLabels(ctx context.Context, agentID string, labels map[string]string, at time.Time) (*fleet.Agent, error) {
	a, err := r.client.GetAgent(ctx, agentID)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil, fleet.ErrNotFound
		}
		return nil, err
	}
	if a.Deleted() {
		return nil, fleet.ErrNotFound
	}

	a.Labels = labels
	a.Touch(at)
	if err := r.client.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SoftDelete marks the agent deleted and cascades the deletion timestamp to
// its work order history in one atomic unit. Idempotent.
func (r *Registry) SoftDelete(ctx context.Context, agentID string, at time.Time) error {
	err := r.client.SoftDeleteAgent(ctx, agentID, at)
	if fleet.IsNotFound(err) {
		return fleet.ErrNotFound
	}
	return err
}

// Sweep materialises INACTIVE status for agents whose heartbeat has aged out
// of the window. The stored status is only a query optimisation: StatusAt
// remains the source of truth on every read. Returns the number of agents
// flipped.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (int, error) {
	all, err := r.client.ListAgents(ctx)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, a := range all {
		if a.Deleted() {
			continue
		}
		actual := a.StatusAt(now, r.window)
		if a.Status == actual {
			continue
		}
		if err := r.client.SetAgentStatus(ctx, a.ID, actual); err != nil {
			if fleet.IsNotFound(err) {
				continue
			}
			return flipped, err
		}
		flipped++
	}
	return flipped, nil
}
