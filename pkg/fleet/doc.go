// Package fleet provides type-safe Go definitions and Redis schema patterns
// for the Anvil fleet state store. The state store holds the broker's declared
// deployment state (stacks and their content versions), the agent population,
// and the work orders that bind the two together. All Anvil components
// (reconciler, HTTP API, CLI) interact through these shared structures.
//
// All Redis keys and channels are namespaced by instance name to enable
// multiple Anvil instances to safely coexist on a single Redis server.
//
// Nothing in this package ever physically removes a row: soft delete
// (a non-zero deleted_at_ms) is the only deletion mechanism, so every
// entity remains readable as history.
package fleet
