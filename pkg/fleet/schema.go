package fleet

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so
// multiple Anvil instances can coexist on a single Redis server.
//
// Key pattern: anvil:{instance_name}:{entity}:{uuid}
// Channel pattern: anvil:{instance_name}:{event_type}_events
//
// Index keys (stack_by_name, agent_by_name, pak, order_by_pair) hold a single
// id and exist only while the row they point at is live; they are what makes
// name uniqueness, O(1) authentication and the one-order-per-pair constraint
// hold under concurrent writers.

// StackKey returns the Redis key for a stack.
// Pattern: anvil:{instance_name}:stack:{stack_id}
func StackKey(instanceName, stackID string) string {
	return fmt.Sprintf("anvil:%s:stack:%s", instanceName, stackID)
}

// StacksKey returns the Redis key for the set of all stack ids.
func StacksKey(instanceName string) string {
	return fmt.Sprintf("anvil:%s:stacks", instanceName)
}

// StackByNameKey returns the Redis key for the name -> stack id index.
// An entry exists only for non-deleted stacks.
func StackByNameKey(instanceName, name string) string {
	return fmt.Sprintf("anvil:%s:stack_by_name:%s", instanceName, name)
}

// VersionKey returns the Redis key for a content version.
// Pattern: anvil:{instance_name}:content:{version_id}
func VersionKey(instanceName, versionID string) string {
	return fmt.Sprintf("anvil:%s:content:%s", instanceName, versionID)
}

// StackVersionsKey returns the Redis key for a stack's version history ZSET,
// scored by submission timestamp (ms).
func StackVersionsKey(instanceName, stackID string) string {
	return fmt.Sprintf("anvil:%s:stack:%s:versions", instanceName, stackID)
}

// StackCurrentKey returns the Redis key holding the id of a stack's current
// content version (the latest active version, or the tombstone).
func StackCurrentKey(instanceName, stackID string) string {
	return fmt.Sprintf("anvil:%s:stack:%s:current", instanceName, stackID)
}

// AgentKey returns the Redis key for an agent.
// Pattern: anvil:{instance_name}:agent:{agent_id}
func AgentKey(instanceName, agentID string) string {
	return fmt.Sprintf("anvil:%s:agent:%s", instanceName, agentID)
}

// AgentsKey returns the Redis key for the set of all agent ids.
func AgentsKey(instanceName string) string {
	return fmt.Sprintf("anvil:%s:agents", instanceName)
}

// AgentByNameKey returns the Redis key for the (cluster, name) -> agent id
// index. An entry exists only for non-deleted agents.
func AgentByNameKey(instanceName, clusterName, name string) string {
	return fmt.Sprintf("anvil:%s:agent_by_name:%s/%s", instanceName, clusterName, name)
}

// PAKKey returns the Redis key for the credential hash -> agent id index.
// This is the partial index behind O(1) authentication: entries exist only
// for non-deleted agents with a non-empty hash.
func PAKKey(instanceName, pakHash string) string {
	return fmt.Sprintf("anvil:%s:pak:%s", instanceName, pakHash)
}

// OrderKey returns the Redis key for a work order.
// Pattern: anvil:{instance_name}:order:{order_id}
func OrderKey(instanceName, orderID string) string {
	return fmt.Sprintf("anvil:%s:order:%s", instanceName, orderID)
}

// OrdersKey returns the Redis key for the set of all work order ids.
func OrdersKey(instanceName string) string {
	return fmt.Sprintf("anvil:%s:orders", instanceName)
}

// OrderByPairKey returns the Redis key for the (agent, content version) ->
// order id index. Claimed with SETNX, it is the uniqueness constraint that
// keeps at most one non-SUCCEEDED order per pair.
func OrderByPairKey(instanceName, agentID, versionID string) string {
	return fmt.Sprintf("anvil:%s:order_by_pair:%s:%s", instanceName, agentID, versionID)
}

// AgentOrdersKey returns the Redis key for the set of a single agent's order ids.
func AgentOrdersKey(instanceName, agentID string) string {
	return fmt.Sprintf("anvil:%s:agent:%s:orders", instanceName, agentID)
}

// StackEventsChannel returns the Pub/Sub channel name for stack events.
func StackEventsChannel(instanceName string) string {
	return fmt.Sprintf("anvil:%s:stack_events", instanceName)
}

// ContentEventsChannel returns the Pub/Sub channel name for content version events.
func ContentEventsChannel(instanceName string) string {
	return fmt.Sprintf("anvil:%s:content_events", instanceName)
}

// AgentEventsChannel returns the Pub/Sub channel name for agent events.
func AgentEventsChannel(instanceName string) string {
	return fmt.Sprintf("anvil:%s:agent_events", instanceName)
}

// OrderEventsChannel returns the Pub/Sub channel name for work order events.
func OrderEventsChannel(instanceName string) string {
	return fmt.Sprintf("anvil:%s:order_events", instanceName)
}
