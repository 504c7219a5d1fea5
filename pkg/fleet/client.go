package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// txRetries bounds the optimistic-concurrency retry loop. Conflicts are
// recovered here by re-reading and retrying; they are never surfaced to
// callers.
const txRetries = 16

// Client provides instance-scoped Redis operations for the fleet state store.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
//
// Cross-entity invariants (stack soft-delete + tombstone, agent soft-delete +
// order cascade, content submit no-op detection, work order claim) run as
// single WATCH/MULTI transactions, so no concurrent reader ever observes them
// partially applied.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new fleet client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// InstanceName returns the instance this client is scoped to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// runTx executes fn under WATCH on the given keys, retrying on optimistic
// conflicts (redis.TxFailedErr). Other errors abort immediately.
func (c *Client) runTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < txRetries; i++ {
		err := c.rdb.Watch(ctx, fn, keys...)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %v still conflicting after %d attempts", keys, txRetries)
}

// publish marshals v to JSON and publishes it on the given channel.
func (c *Client) publish(ctx context.Context, channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Stacks
// -----------------------------------------------------------------------------

// CreateStack writes a new stack and claims its name. Returns
// ErrDuplicateStackName if a non-deleted stack already holds the name.
// Publishes a stack event after a successful write.
func (c *Client) CreateStack(ctx context.Context, s *Stack) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid stack: %w", err)
	}

	// The name index is the uniqueness constraint: SETNX either claims the
	// name or tells us somebody else holds it.
	claimed, err := c.rdb.SetNX(ctx, StackByNameKey(c.instanceName, s.Name), s.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim stack name: %w", err)
	}
	if !claimed {
		return ErrDuplicateStackName
	}

	hash, err := StackToHash(s)
	if err != nil {
		return fmt.Errorf("failed to serialize stack: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, StackKey(c.instanceName, s.ID), hash)
	pipe.SAdd(ctx, StacksKey(c.instanceName), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write stack to Redis: %w", err)
	}

	return c.publish(ctx, StackEventsChannel(c.instanceName), s)
}

// UpdateStack replaces a stack's stored fields (full HSET replacement) and
// publishes a stack event. Name and id are stable; callers must not change them.
func (c *Client) UpdateStack(ctx context.Context, s *Stack) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid stack: %w", err)
	}

	hash, err := StackToHash(s)
	if err != nil {
		return fmt.Errorf("failed to serialize stack: %w", err)
	}

	if err := c.rdb.HSet(ctx, StackKey(c.instanceName, s.ID), hash).Err(); err != nil {
		return fmt.Errorf("failed to update stack in Redis: %w", err)
	}

	return c.publish(ctx, StackEventsChannel(c.instanceName), s)
}

// GetStack retrieves a stack by ID.
// Returns (nil, redis.Nil) if the stack doesn't exist. Use IsNotFound() to check.
func (c *Client) GetStack(ctx context.Context, stackID string) (*Stack, error) {
	hashData, err := c.rdb.HGetAll(ctx, StackKey(c.instanceName, stackID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stack from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}
	return HashToStack(hashData)
}

// GetStackByName resolves a name through the name index. Only non-deleted
// stacks are reachable this way.
func (c *Client) GetStackByName(ctx context.Context, name string) (*Stack, error) {
	stackID, err := c.rdb.Get(ctx, StackByNameKey(c.instanceName, name)).Result()
	if err != nil {
		return nil, err
	}
	return c.GetStack(ctx, stackID)
}

// ListStacks retrieves every stack, soft-deleted ones included. Callers
// filter with Deleted() as needed.
func (c *Client) ListStacks(ctx context.Context) ([]*Stack, error) {
	ids, err := c.rdb.SMembers(ctx, StacksKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}

	stacks := make([]*Stack, 0, len(ids))
	for _, id := range ids {
		s, err := c.GetStack(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		stacks = append(stacks, s)
	}
	return stacks, nil
}

// SoftDeleteStack marks the stack deleted and, in the same transaction,
// tombstones its content: every active version is marked deleted at the same
// timestamp, the provided tombstone version is inserted, the current pointer
// moves to it and the name index entry is dropped. The cascade is
// all-or-nothing: a reader never observes a deleted stack without its
// tombstone.
//
// Returns ErrStackNotWritable if the stack is already deleted and redis.Nil
// if it doesn't exist.
func (c *Client) SoftDeleteStack(ctx context.Context, stackID string, tombstone *ContentVersion, at time.Time) (*ContentVersion, error) {
	if err := tombstone.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tombstone version: %w", err)
	}
	if !tombstone.Tombstone || tombstone.StackID != stackID {
		return nil, fmt.Errorf("tombstone version does not belong to stack %s", stackID)
	}

	stackKey := StackKey(c.instanceName, stackID)
	versionsKey := StackVersionsKey(c.instanceName, stackID)
	currentKey := StackCurrentKey(c.instanceName, stackID)
	atMs := at.UnixMilli()

	var updated *Stack
	err := c.runTx(ctx, func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, stackKey).Result()
		if err != nil {
			return err
		}
		if len(hashData) == 0 {
			return redis.Nil
		}
		stack, err := HashToStack(hashData)
		if err != nil {
			return err
		}
		if stack.Deleted() {
			return ErrStackNotWritable
		}

		versionIDs, err := tx.ZRange(ctx, versionsKey, 0, -1).Result()
		if err != nil {
			return err
		}
		// Only versions still active get the cascade timestamp; versions
		// deleted earlier keep their original one.
		active := make([]string, 0, len(versionIDs))
		for _, id := range versionIDs {
			deletedAt, err := tx.HGet(ctx, VersionKey(c.instanceName, id), "deleted_at_ms").Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if parseMs(deletedAt) == 0 {
				active = append(active, id)
			}
		}

		stack.MarkDeleted(at)
		stackHash, err := StackToHash(stack)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, stackKey, stackHash)
			pipe.Del(ctx, StackByNameKey(c.instanceName, stack.Name))
			for _, id := range active {
				pipe.HSet(ctx, VersionKey(c.instanceName, id), "deleted_at_ms", atMs)
			}
			pipe.HSet(ctx, VersionKey(c.instanceName, tombstone.ID), VersionToHash(tombstone))
			pipe.ZAdd(ctx, versionsKey, redis.Z{Score: float64(tombstone.SubmittedAtMs), Member: tombstone.ID})
			pipe.Set(ctx, currentKey, tombstone.ID, 0)
			return nil
		})
		updated = stack
		return err
	}, stackKey, versionsKey, currentKey)
	if err != nil {
		return nil, err
	}

	if err := c.publish(ctx, StackEventsChannel(c.instanceName), updated); err != nil {
		return nil, err
	}
	if err := c.publish(ctx, ContentEventsChannel(c.instanceName), tombstone); err != nil {
		return nil, err
	}
	return tombstone, nil
}

// -----------------------------------------------------------------------------
// Content versions
// -----------------------------------------------------------------------------

// SubmitVersion inserts v as the stack's new current version, unless the
// stack's current version already carries the same checksum, in which case
// the existing version is returned unchanged (idempotent no-op). The
// comparison and insert run in one transaction so a checksum race collapses
// into a single version row.
//
// Returns ErrStackNotWritable if the stack is soft-deleted and redis.Nil if
// it doesn't exist. Publishes a content event only when a version was created.
func (c *Client) SubmitVersion(ctx context.Context, v *ContentVersion) (*ContentVersion, error) {
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("invalid content version: %w", err)
	}

	stackKey := StackKey(c.instanceName, v.StackID)
	currentKey := StackCurrentKey(c.instanceName, v.StackID)
	versionsKey := StackVersionsKey(c.instanceName, v.StackID)

	var result *ContentVersion
	err := c.runTx(ctx, func(tx *redis.Tx) error {
		result = nil

		deletedAt, err := tx.HGet(ctx, stackKey, "deleted_at_ms").Result()
		if err == redis.Nil {
			return redis.Nil
		}
		if err != nil {
			return err
		}
		if parseMs(deletedAt) > 0 {
			return ErrStackNotWritable
		}

		currentID, err := tx.Get(ctx, currentKey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if currentID != "" {
			currentHash, err := tx.HGetAll(ctx, VersionKey(c.instanceName, currentID)).Result()
			if err != nil {
				return err
			}
			if len(currentHash) > 0 && currentHash["checksum"] == v.Checksum {
				current, err := HashToVersion(currentHash)
				if err != nil {
					return err
				}
				result = current
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, VersionKey(c.instanceName, v.ID), VersionToHash(v))
			pipe.ZAdd(ctx, versionsKey, redis.Z{Score: float64(v.SubmittedAtMs), Member: v.ID})
			pipe.Set(ctx, currentKey, v.ID, 0)
			pipe.HSet(ctx, stackKey, "updated_at_ms", v.SubmittedAtMs)
			return nil
		})
		if err != nil {
			return err
		}
		result = v
		return nil
	}, stackKey, currentKey)
	if err != nil {
		return nil, err
	}

	if result == v {
		if err := c.publish(ctx, ContentEventsChannel(c.instanceName), v); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GetVersion retrieves a content version by ID.
// Returns (nil, redis.Nil) if it doesn't exist.
func (c *Client) GetVersion(ctx context.Context, versionID string) (*ContentVersion, error) {
	hashData, err := c.rdb.HGetAll(ctx, VersionKey(c.instanceName, versionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read content version from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}
	return HashToVersion(hashData)
}

// ListVersions retrieves a stack's full version history in submission order,
// soft-deleted versions included.
func (c *Client) ListVersions(ctx context.Context, stackID string) ([]*ContentVersion, error) {
	ids, err := c.rdb.ZRange(ctx, StackVersionsKey(c.instanceName, stackID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list content versions: %w", err)
	}

	versions := make([]*ContentVersion, 0, len(ids))
	for _, id := range ids {
		v, err := c.GetVersion(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// CurrentVersion retrieves the stack's current content version: the latest
// active version, or the tombstone once the stack has been soft-deleted.
// Returns (nil, redis.Nil) if the stack has never had content.
func (c *Client) CurrentVersion(ctx context.Context, stackID string) (*ContentVersion, error) {
	currentID, err := c.rdb.Get(ctx, StackCurrentKey(c.instanceName, stackID)).Result()
	if err != nil {
		return nil, err
	}
	return c.GetVersion(ctx, currentID)
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// CreateAgent writes a new agent, claims its (cluster, name) identity and
// indexes its credential hash for O(1) authentication. Returns
// ErrDuplicateAgent if a non-deleted agent already holds the pair.
func (c *Client) CreateAgent(ctx context.Context, a *Agent) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}

	claimed, err := c.rdb.SetNX(ctx, AgentByNameKey(c.instanceName, a.ClusterName, a.Name), a.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim agent identity: %w", err)
	}
	if !claimed {
		return ErrDuplicateAgent
	}

	hash, err := AgentToHash(a)
	if err != nil {
		return fmt.Errorf("failed to serialize agent: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, AgentKey(c.instanceName, a.ID), hash)
	pipe.SAdd(ctx, AgentsKey(c.instanceName), a.ID)
	if a.PAKHash != "" {
		pipe.Set(ctx, PAKKey(c.instanceName, a.PAKHash), a.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write agent to Redis: %w", err)
	}

	return c.publish(ctx, AgentEventsChannel(c.instanceName), a)
}

// UpdateAgent replaces an agent's stored fields (full HSET replacement) and
// publishes an agent event so the reconciler re-evaluates selectors.
// Identity fields (id, name, cluster) and the credential hash must not change.
func (c *Client) UpdateAgent(ctx context.Context, a *Agent) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}

	hash, err := AgentToHash(a)
	if err != nil {
		return fmt.Errorf("failed to serialize agent: %w", err)
	}

	if err := c.rdb.HSet(ctx, AgentKey(c.instanceName, a.ID), hash).Err(); err != nil {
		return fmt.Errorf("failed to update agent in Redis: %w", err)
	}

	return c.publish(ctx, AgentEventsChannel(c.instanceName), a)
}

// GetAgent retrieves an agent by ID.
// Returns (nil, redis.Nil) if the agent doesn't exist.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	hashData, err := c.rdb.HGetAll(ctx, AgentKey(c.instanceName, agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read agent from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}
	return HashToAgent(hashData)
}

// ListAgents retrieves every agent, soft-deleted ones included.
func (c *Client) ListAgents(ctx context.Context) ([]*Agent, error) {
	ids, err := c.rdb.SMembers(ctx, AgentsKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	agents := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		a, err := c.GetAgent(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// AgentIDByPAKHash resolves a credential hash through the PAK index.
// This is the authentication hot path: one GET, independent of population
// size. Returns ("", redis.Nil) on no match.
func (c *Client) AgentIDByPAKHash(ctx context.Context, pakHash string) (string, error) {
	if pakHash == "" {
		return "", redis.Nil
	}
	return c.rdb.Get(ctx, PAKKey(c.instanceName, pakHash)).Result()
}

// HeartbeatAgent records a heartbeat. It writes only the liveness fields so
// the hot path never contends with stack or content transactions.
// Returns redis.Nil if the agent doesn't exist.
func (c *Client) HeartbeatAgent(ctx context.Context, agentID string, at time.Time, status AgentStatus) error {
	key := AgentKey(c.instanceName, agentID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check agent existence: %w", err)
	}
	if exists == 0 {
		return redis.Nil
	}

	return c.rdb.HSet(ctx, key,
		"last_heartbeat_ms", at.UnixMilli(),
		"status", string(status),
		"updated_at_ms", at.UnixMilli(),
	).Err()
}

// SetAgentStatus materialises a computed status without touching heartbeat
// or audit fields. Used by the periodic sweep; StatusAt remains the source
// of truth on reads.
func (c *Client) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	key := AgentKey(c.instanceName, agentID)
	exists, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check agent existence: %w", err)
	}
	if exists == 0 {
		return redis.Nil
	}
	return c.rdb.HSet(ctx, key, "status", string(status)).Err()
}

// SoftDeleteAgent marks the agent deleted and, in the same transaction,
// cascades the deletion timestamp to all of that agent's work orders and
// drops its name and PAK index entries. Already-deleted orders keep their
// original timestamp. Idempotent: deleting a deleted agent is a no-op.
func (c *Client) SoftDeleteAgent(ctx context.Context, agentID string, at time.Time) error {
	agentKey := AgentKey(c.instanceName, agentID)
	ordersKey := AgentOrdersKey(c.instanceName, agentID)
	atMs := at.UnixMilli()

	var updated *Agent
	err := c.runTx(ctx, func(tx *redis.Tx) error {
		updated = nil

		hashData, err := tx.HGetAll(ctx, agentKey).Result()
		if err != nil {
			return err
		}
		if len(hashData) == 0 {
			return redis.Nil
		}
		agent, err := HashToAgent(hashData)
		if err != nil {
			return err
		}
		if agent.Deleted() {
			return nil
		}

		orderIDs, err := tx.SMembers(ctx, ordersKey).Result()
		if err != nil {
			return err
		}
		live := make([]string, 0, len(orderIDs))
		for _, id := range orderIDs {
			deletedAt, err := tx.HGet(ctx, OrderKey(c.instanceName, id), "deleted_at_ms").Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if parseMs(deletedAt) == 0 {
				live = append(live, id)
			}
		}

		agent.MarkDeleted(at)
		agentHash, err := AgentToHash(agent)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, agentKey, agentHash)
			pipe.Del(ctx, AgentByNameKey(c.instanceName, agent.ClusterName, agent.Name))
			if agent.PAKHash != "" {
				pipe.Del(ctx, PAKKey(c.instanceName, agent.PAKHash))
			}
			for _, id := range live {
				pipe.HSet(ctx, OrderKey(c.instanceName, id), "deleted_at_ms", atMs, "updated_at_ms", atMs)
			}
			return nil
		})
		updated = agent
		return err
	}, agentKey, ordersKey)
	if err != nil {
		return err
	}

	if updated != nil {
		return c.publish(ctx, AgentEventsChannel(c.instanceName), updated)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Work orders
// -----------------------------------------------------------------------------

// EnsureOrder returns the existing work order for the (agent, content
// version) pair, or creates one in PENDING. The pair index is claimed with
// SETNX, so at most one order per pair ever exists regardless of how many
// reconcilers race; SUCCEEDED orders stay in the index, which is what makes
// them terminal. The boolean reports whether a new order was created.
func (c *Client) EnsureOrder(ctx context.Context, agentID, versionID string, at time.Time) (*WorkOrder, bool, error) {
	pairKey := OrderByPairKey(c.instanceName, agentID, versionID)

	o := &WorkOrder{
		ID:               uuid.New().String(),
		AgentID:          agentID,
		ContentVersionID: versionID,
		Status:           OrderPending,
	}
	o.Touch(at)

	// Write the order body first so the pair index never points at a hash
	// that doesn't exist yet.
	orderKey := OrderKey(c.instanceName, o.ID)
	if err := c.rdb.HSet(ctx, orderKey, OrderToHash(o)).Err(); err != nil {
		return nil, false, fmt.Errorf("failed to write work order to Redis: %w", err)
	}

	claimed, err := c.rdb.SetNX(ctx, pairKey, o.ID, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim order pair: %w", err)
	}
	if !claimed {
		// Lost the race (or the order already existed): discard our body and
		// return the established order.
		if err := c.rdb.Del(ctx, orderKey).Err(); err != nil {
			return nil, false, fmt.Errorf("failed to discard duplicate work order: %w", err)
		}
		existingID, err := c.rdb.Get(ctx, pairKey).Result()
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve existing order: %w", err)
		}
		existing, err := c.GetOrder(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	pipe := c.rdb.Pipeline()
	pipe.SAdd(ctx, OrdersKey(c.instanceName), o.ID)
	pipe.SAdd(ctx, AgentOrdersKey(c.instanceName, agentID), o.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to index work order: %w", err)
	}

	if err := c.publish(ctx, OrderEventsChannel(c.instanceName), o); err != nil {
		return nil, false, err
	}
	return o, true, nil
}

// GetOrder retrieves a work order by ID.
// Returns (nil, redis.Nil) if it doesn't exist.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*WorkOrder, error) {
	hashData, err := c.rdb.HGetAll(ctx, OrderKey(c.instanceName, orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read work order from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}
	return HashToOrder(hashData)
}

// ListOrders retrieves every work order, soft-deleted ones included.
func (c *Client) ListOrders(ctx context.Context) ([]*WorkOrder, error) {
	return c.ordersFromSet(ctx, OrdersKey(c.instanceName))
}

// ListOrdersForAgent retrieves all of one agent's work orders.
func (c *Client) ListOrdersForAgent(ctx context.Context, agentID string) ([]*WorkOrder, error) {
	return c.ordersFromSet(ctx, AgentOrdersKey(c.instanceName, agentID))
}

func (c *Client) ordersFromSet(ctx context.Context, setKey string) ([]*WorkOrder, error) {
	ids, err := c.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list work orders: %w", err)
	}

	orders := make([]*WorkOrder, 0, len(ids))
	for _, id := range ids {
		o, err := c.GetOrder(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ClaimOrder transitions an order to IN_PROGRESS via compare-and-set.
// PENDING and FAILED orders are claimable (FAILED is the retry path);
// anything else returns ErrAlreadyClaimed, which protects the at-most-one-
// active invariant under concurrent pollers.
func (c *Client) ClaimOrder(ctx context.Context, orderID string, at time.Time) (*WorkOrder, error) {
	orderKey := OrderKey(c.instanceName, orderID)

	var claimed *WorkOrder
	err := c.runTx(ctx, func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, orderKey).Result()
		if err != nil {
			return err
		}
		if len(hashData) == 0 {
			return redis.Nil
		}
		o, err := HashToOrder(hashData)
		if err != nil {
			return err
		}
		if o.Deleted() {
			return redis.Nil
		}
		if !o.Status.Claimable() {
			return ErrAlreadyClaimed
		}

		o.Status = OrderInProgress
		o.Touch(at)
		claimed = o

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, orderKey, OrderToHash(o))
			return nil
		})
		return err
	}, orderKey)
	if err != nil {
		return nil, err
	}

	if err := c.publish(ctx, OrderEventsChannel(c.instanceName), claimed); err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteOrder records an agent-reported outcome for an IN_PROGRESS order.
// Success transitions to SUCCEEDED and clears the error fields; failure
// transitions to FAILED, records the last error and leaves the order
// re-claimable. Reported failures are data, not broker errors.
func (c *Client) CompleteOrder(ctx context.Context, orderID string, succeeded bool, errMsg string, at time.Time) (*WorkOrder, error) {
	orderKey := OrderKey(c.instanceName, orderID)

	var completed *WorkOrder
	err := c.runTx(ctx, func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, orderKey).Result()
		if err != nil {
			return err
		}
		if len(hashData) == 0 {
			return redis.Nil
		}
		o, err := HashToOrder(hashData)
		if err != nil {
			return err
		}
		if o.Deleted() {
			return redis.Nil
		}
		if o.Status != OrderInProgress {
			return fmt.Errorf("%w: order %s is %s, outcome requires %s", ErrNotClaimed, o.ID, o.Status, OrderInProgress)
		}

		if succeeded {
			o.Status = OrderSucceeded
			o.LastError = ""
			o.LastErrorAtMs = 0
			o.CompletedAtMs = at.UnixMilli()
		} else {
			o.Status = OrderFailed
			o.LastError = errMsg
			o.LastErrorAtMs = at.UnixMilli()
		}
		o.Touch(at)
		completed = o

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, orderKey, OrderToHash(o))
			return nil
		})
		return err
	}, orderKey)
	if err != nil {
		return nil, err
	}

	if err := c.publish(ctx, OrderEventsChannel(c.instanceName), completed); err != nil {
		return nil, err
	}
	return completed, nil
}
