// Package stacks implements the stack registry: declarative create-or-update
// of deployment intents and soft-delete with an atomic cascade into the
// content store's tombstone.
package stacks

import (
	"context"
	"errors"
	"time"

	"github.com/dyluth/anvil/internal/content"
	"github.com/dyluth/anvil/pkg/fleet"
	"github.com/google/uuid"
)

// declareRetries bounds the create/update race loop on the name index.
const declareRetries = 3

// Registry provides stack operations on top of the fleet client.
type Registry struct {
	client *fleet.Client
}

// New creates a stack registry.
func New(client *fleet.Client) *Registry {
	return &Registry{client: client}
}

// Declare creates or updates a stack by name. On update only the mutable
// fields (labels, annotations, selector) change; the name and id are stable.
// A concurrent create on the same name is recovered by re-reading and
// updating instead.
func (r *Registry) Declare(ctx context.Context, name string, labels, annotations map[string]string, selector fleet.Selector, at time.Time) (*fleet.Stack, error) {
	var lastErr error
	for i := 0; i < declareRetries; i++ {
		existing, err := r.client.GetStackByName(ctx, name)
		if err == nil {
			existing.Labels = labels
			existing.Annotations = annotations
			existing.Selector = selector
			existing.Touch(at)
			if err := r.client.UpdateStack(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
		if !fleet.IsNotFound(err) {
			return nil, err
		}

		s := &fleet.Stack{
			ID:          uuid.New().String(),
			Name:        name,
			Labels:      labels,
			Annotations: annotations,
			Selector:    selector,
		}
		s.Touch(at)

		err = r.client.CreateStack(ctx, s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, fleet.ErrDuplicateStackName) {
			return nil, err
		}
		// Lost a create race: loop and update the winner instead.
		lastErr = err
	}
	return nil, lastErr
}

// Get retrieves a stack by id.
func (r *Registry) Get(ctx context.Context, stackID string) (*fleet.Stack, error) {
	s, err := r.client.GetStack(ctx, stackID)
	if fleet.IsNotFound(err) {
		return nil, fleet.ErrNotFound
	}
	return s, err
}

// GetByName retrieves a non-deleted stack by name.
func (r *Registry) GetByName(ctx context.Context, name string) (*fleet.Stack, error) {
	s, err := r.client.GetStackByName(ctx, name)
	if fleet.IsNotFound(err) {
		return nil, fleet.ErrNotFound
	}
	return s, err
}

// List retrieves stacks. Soft-deleted stacks are included only when
// includeDeleted is set; they remain visible there as history.
func (r *Registry) List(ctx context.Context, includeDeleted bool) ([]*fleet.Stack, error) {
	all, err := r.client.ListStacks(ctx)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return all, nil
	}

	live := make([]*fleet.Stack, 0, len(all))
	for _, s := range all {
		if !s.Deleted() {
			live = append(live, s)
		}
	}
	return live, nil
}

// SoftDelete marks the stack deleted and tombstones its content in one
// atomic unit: all active versions get the same deletion timestamp and a
// single tombstone version becomes current. Soft-delete is terminal;
// deleting an already-deleted stack is a no-op returning the existing state.
// Returns the tombstone version, or nil on the idempotent no-op path.
func (r *Registry) SoftDelete(ctx context.Context, stackID string, at time.Time) (*fleet.ContentVersion, error) {
	s, err := r.client.GetStack(ctx, stackID)
	if err != nil {
		if fleet.IsNotFound(err) {
			return nil, fleet.ErrNotFound
		}
		return nil, err
	}
	if s.Deleted() {
		return nil, nil
	}

	tombstone, err := r.client.SoftDeleteStack(ctx, stackID, content.NewTombstone(stackID, at), at)
	if err != nil {
		// A concurrent delete won the race; the cascade already happened.
		if errors.Is(err, fleet.ErrStackNotWritable) {
			return nil, nil
		}
		if fleet.IsNotFound(err) {
			return nil, fleet.ErrNotFound
		}
		return nil, err
	}
	return tombstone, nil
}
