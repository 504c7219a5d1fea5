// Package content implements the broker's content store: immutable,
// checksummed content versions belonging to a stack, no-op detection for
// resubmitted blobs, and tombstone versions signalling removal.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dyluth/anvil/pkg/fleet"
	"github.com/google/uuid"
)

// Store provides content version operations on top of the fleet client.
type Store struct {
	client *fleet.Client
}

// NewStore creates a content store.
func NewStore(client *fleet.Client) *Store {
	return &Store{client: client}
}

// Checksum returns the lowercase hex sha256 digest of blob. The same
// function is applied to real content and to the canonical empty value, so
// a tombstone's checksum is deterministic and distinguishable from content
// only via its flag.
func Checksum(blob string) string {
	sum := sha256.Sum256([]byte(blob))
	return hex.EncodeToString(sum[:])
}

// Submit stores blob as the stack's new current version. If the blob's
// checksum matches the current active version, that version is returned
// unchanged and nothing is written (idempotent no-op). Submitting to a
// soft-deleted stack fails with fleet.ErrStackNotWritable.
func (s *Store) Submit(ctx context.Context, stackID, blob string, at time.Time) (*fleet.ContentVersion, error) {
	if blob == "" {
		return nil, fmt.Errorf("content blob cannot be empty")
	}

	v := &fleet.ContentVersion{
		ID:            uuid.New().String(),
		StackID:       stackID,
		Blob:          blob,
		Checksum:      Checksum(blob),
		SubmittedAtMs: at.UnixMilli(),
	}
	return s.client.SubmitVersion(ctx, v)
}

// NewTombstone builds the sentinel version written when a stack is
// soft-deleted: empty blob, tombstone flag set, stamped with the deletion
// time so it shares a timestamp with the versions it supersedes.
func NewTombstone(stackID string, at time.Time) *fleet.ContentVersion {
	return &fleet.ContentVersion{
		ID:            uuid.New().String(),
		StackID:       stackID,
		Blob:          "",
		Checksum:      Checksum(""),
		SubmittedAtMs: at.UnixMilli(),
		Tombstone:     true,
	}
}

// Get retrieves a content version by id.
func (s *Store) Get(ctx context.Context, versionID string) (*fleet.ContentVersion, error) {
	return s.client.GetVersion(ctx, versionID)
}

// Current retrieves the stack's current content version.
func (s *Store) Current(ctx context.Context, stackID string) (*fleet.ContentVersion, error) {
	return s.client.CurrentVersion(ctx, stackID)
}

// List retrieves the stack's full version history in submission order.
func (s *Store) List(ctx context.Context, stackID string) ([]*fleet.ContentVersion, error) {
	return s.client.ListVersions(ctx, stackID)
}
