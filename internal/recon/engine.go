// Package recon implements the reconciliation loop: the orchestrator that
// derives, for every stack, the set of work orders that must exist for its
// current content version and drives the dispatcher to materialise them.
//
// The engine is event-driven (stack, content and agent events over Pub/Sub)
// with a periodic sweep as backstop, since Redis Pub/Sub is at-most-once.
package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/anvil/internal/dispatch"
	"github.com/dyluth/anvil/internal/registry"
	"github.com/dyluth/anvil/pkg/fleet"
)

// Engine watches for declared-state and agent-population changes and keeps
// the work order set converged.
type Engine struct {
	client     *fleet.Client
	agents     *registry.Registry
	dispatcher *dispatch.Dispatcher
	sweepEvery time.Duration

	// Reconciliation is independent across stacks but must serialise with
	// respect to the same stack.
	mu         sync.Mutex
	stackLocks map[string]*sync.Mutex
}

// NewEngine creates a reconciliation engine. sweepEvery is the interval of
// the periodic full sweep.
func NewEngine(client *fleet.Client, agents *registry.Registry, dispatcher *dispatch.Dispatcher, sweepEvery time.Duration) *Engine {
	return &Engine{
		client:     client,
		agents:     agents,
		dispatcher: dispatcher,
		sweepEvery: sweepEvery,
		stackLocks: make(map[string]*sync.Mutex),
	}
}

// Run starts the engine and blocks until the context is cancelled.
// It subscribes to stack, content and agent events, reconciles on each, and
// runs a full sweep on a ticker and once at startup (to recover anything
// missed while down).
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[Reconciler] Starting for instance '%s'", e.client.InstanceName())

	stackSub := e.client.SubscribeStackEvents(ctx)
	defer stackSub.Close()
	contentSub := e.client.SubscribeContentEvents(ctx)
	defer contentSub.Close()
	agentSub := e.client.SubscribeAgentEvents(ctx)
	defer agentSub.Close()

	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()

	if err := e.Sweep(ctx); err != nil {
		log.Printf("[Reconciler] Startup sweep failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Reconciler] Shutting down...")
			return nil

		case stack, ok := <-stackSub.Events():
			if !ok {
				log.Printf("[Reconciler] Stack subscription closed")
				return nil
			}
			e.logEvent("stack_event", map[string]interface{}{
				"stack_id": stack.ID,
				"name":     stack.Name,
				"deleted":  stack.Deleted(),
			})
			if err := e.ReconcileStack(ctx, stack.ID); err != nil {
				log.Printf("[Reconciler] Error reconciling stack %s: %v", stack.ID, err)
			}

		case version, ok := <-contentSub.Events():
			if !ok {
				log.Printf("[Reconciler] Content subscription closed")
				return nil
			}
			e.logEvent("content_event", map[string]interface{}{
				"version_id": version.ID,
				"stack_id":   version.StackID,
				"tombstone":  version.Tombstone,
			})
			if err := e.ReconcileStack(ctx, version.StackID); err != nil {
				log.Printf("[Reconciler] Error reconciling stack %s: %v", version.StackID, err)
			}

		case agent, ok := <-agentSub.Events():
			if !ok {
				log.Printf("[Reconciler] Agent subscription closed")
				return nil
			}
			// Registration, label change or deletion can change any stack's
			// target set.
			e.logEvent("agent_event", map[string]interface{}{
				"agent_id": agent.ID,
				"agent":    agent.QualifiedName(),
				"deleted":  agent.Deleted(),
			})
			if err := e.ReconcileAll(ctx); err != nil {
				log.Printf("[Reconciler] Error reconciling after agent event: %v", err)
			}

		case err, ok := <-stackSub.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Reconciler] Subscription error: %v", err)
		case err, ok := <-contentSub.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Reconciler] Subscription error: %v", err)
		case err, ok := <-agentSub.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Reconciler] Subscription error: %v", err)

		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				log.Printf("[Reconciler] Sweep failed: %v", err)
			}
		}
	}
}

// Sweep rematerialises agent statuses and reconciles every stack. It covers
// agents returning from INACTIVE (heartbeats publish no events) and any
// Pub/Sub events dropped while the engine was down.
func (e *Engine) Sweep(ctx context.Context) error {
	now := time.Now()

	flipped, err := e.agents.Sweep(ctx, now)
	if err != nil {
		return fmt.Errorf("agent status sweep: %w", err)
	}
	if flipped > 0 {
		e.logEvent("agent_status_sweep", map[string]interface{}{"flipped": flipped})
	}

	return e.ReconcileAll(ctx)
}

// ReconcileAll reconciles every known stack, soft-deleted ones included:
// a deleted stack's tombstone still needs orders dispatched so agents
// remove its content.
func (e *Engine) ReconcileAll(ctx context.Context) error {
	stacks, err := e.client.ListStacks(ctx)
	if err != nil {
		return err
	}

	for _, s := range stacks {
		if err := e.ReconcileStack(ctx, s.ID); err != nil {
			return fmt.Errorf("stack %s: %w", s.ID, err)
		}
	}
	return nil
}

// ReconcileStack converges one stack: resolve the target agent set from its
// selector (restricted to ACTIVE, non-deleted agents), and ensure a work
// order exists for each target against the current content version, which
// is the latest active version or the tombstone once the stack is deleted.
//
// Agents that stopped matching the selector keep their in-flight orders;
// they are simply not re-created. INACTIVE agents are assigned no new work.
func (e *Engine) ReconcileStack(ctx context.Context, stackID string) error {
	lock := e.lockFor(stackID)
	lock.Lock()
	defer lock.Unlock()

	stack, err := e.client.GetStack(ctx, stackID)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil
		}
		return err
	}

	current, err := e.client.CurrentVersion(ctx, stackID)
	if err != nil {
		// No content declared yet: nothing to dispatch.
		if fleet.IsNotFound(err) {
			return nil
		}
		return err
	}

	now := time.Now()
	agents, err := e.agents.List(ctx, now)
	if err != nil {
		return err
	}

	ensured := 0
	for _, a := range agents {
		if a.Status != fleet.AgentActive {
			continue
		}
		if !stack.Selector.Matches(a) {
			continue
		}
		if _, err := e.dispatcher.EnsureOrder(ctx, a.ID, current.ID, now); err != nil {
			return fmt.Errorf("ensure order for agent %s: %w", a.QualifiedName(), err)
		}
		ensured++
	}

	if ensured > 0 {
		e.logEvent("stack_reconciled", map[string]interface{}{
			"stack_id":   stack.ID,
			"name":       stack.Name,
			"version_id": current.ID,
			"tombstone":  current.Tombstone,
			"targets":    ensured,
		})
	}
	return nil
}

func (e *Engine) lockFor(stackID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.stackLocks[stackID]
	if !ok {
		lock = &sync.Mutex{}
		e.stackLocks[stackID] = lock
	}
	return lock
}

// logEvent emits a structured JSON log line for machine consumption.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "reconciler"
	data["event_type"] = eventType
	data["instance"] = e.client.InstanceName()

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Reconciler] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
