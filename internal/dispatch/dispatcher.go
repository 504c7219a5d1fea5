// Package dispatch implements the work order dispatcher: the task queue
// binding agents to content versions, with at most one non-SUCCEEDED order
// per (agent, version) pair, claim semantics for concurrent pollers, and
// failure detail recorded as data rather than errors.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/anvil/pkg/fleet"
)

// Dispatcher provides work order operations on top of the fleet client.
type Dispatcher struct {
	client *fleet.Client
}

// New creates a dispatcher.
func New(client *fleet.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// EnsureOrder returns the existing order for the (agent, content version)
// pair or creates one in PENDING. Retries reuse the existing order; a
// SUCCEEDED order for the pair means the work is done and no new order is
// ever produced for it.
func (d *Dispatcher) EnsureOrder(ctx context.Context, agentID, versionID string, at time.Time) (*fleet.WorkOrder, error) {
	o, _, err := d.client.EnsureOrder(ctx, agentID, versionID, at)
	return o, err
}

// Claim transitions an order to IN_PROGRESS. PENDING orders and FAILED
// orders (the retry path) are claimable; anything else fails with
// fleet.ErrAlreadyClaimed. Unknown ids fail with fleet.ErrNotFound.
func (d *Dispatcher) Claim(ctx context.Context, orderID string, at time.Time) (*fleet.WorkOrder, error) {
	o, err := d.client.ClaimOrder(ctx, orderID, at)
	if fleet.IsNotFound(err) {
		return nil, fleet.ErrNotFound
	}
	return o, err
}

// ReportOutcome records an agent-reported result for a claimed order.
// SUCCEEDED is permanent and clears the error fields; FAILED records the
// message and timestamp and leaves the order re-claimable. The broker
// treats reported failures as data, not as errors of its own.
func (d *Dispatcher) ReportOutcome(ctx context.Context, orderID string, status fleet.WorkOrderStatus, errMsg string, at time.Time) (*fleet.WorkOrder, error) {
	var o *fleet.WorkOrder
	var err error
	switch status {
	case fleet.OrderSucceeded:
		o, err = d.client.CompleteOrder(ctx, orderID, true, "", at)
	case fleet.OrderFailed:
		o, err = d.client.CompleteOrder(ctx, orderID, false, errMsg, at)
	default:
		return nil, fmt.Errorf("invalid outcome status %q: must be %s or %s", status, fleet.OrderSucceeded, fleet.OrderFailed)
	}
	if fleet.IsNotFound(err) {
		return nil, fleet.ErrNotFound
	}
	return o, err
}

// Get retrieves a work order by id.
func (d *Dispatcher) Get(ctx context.Context, orderID string) (*fleet.WorkOrder, error) {
	o, err := d.client.GetOrder(ctx, orderID)
	if fleet.IsNotFound(err) {
		return nil, fleet.ErrNotFound
	}
	return o, err
}

// List retrieves all work orders, the audit trail included.
func (d *Dispatcher) List(ctx context.Context) ([]*fleet.WorkOrder, error) {
	return d.client.ListOrders(ctx)
}

// ListForAgent retrieves all of one agent's work orders.
func (d *Dispatcher) ListForAgent(ctx context.Context, agentID string) ([]*fleet.WorkOrder, error) {
	return d.client.ListOrdersForAgent(ctx, agentID)
}

// WorkItem is one claimable order joined with the content it targets, as
// served to a polling agent.
type WorkItem struct {
	Order     *fleet.WorkOrder `json:"order"`
	Blob      string           `json:"blob"`
	Checksum  string           `json:"checksum"`
	Tombstone bool             `json:"tombstone"`
}

// PollWork returns the agent's claimable orders (PENDING or FAILED, not
// deleted), each joined with the referenced content blob and checksum.
// Polling is a bounded request/response; the agent claims what it wants
// and reports outcomes separately.
func (d *Dispatcher) PollWork(ctx context.Context, agentID string) ([]WorkItem, error) {
	orders, err := d.client.ListOrdersForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	items := make([]WorkItem, 0, len(orders))
	for _, o := range orders {
		if o.Deleted() || !o.Status.Claimable() {
			continue
		}
		v, err := d.client.GetVersion(ctx, o.ContentVersionID)
		if err != nil {
			if fleet.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		items = append(items, WorkItem{
			Order:     o,
			Blob:      v.Blob,
			Checksum:  v.Checksum,
			Tombstone: v.Tombstone,
		})
	}
	return items, nil
}
