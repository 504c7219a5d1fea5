package fleet

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors returned by the client and the service layers built on it.
// Callers match them with errors.Is.
var (
	// ErrNotFound indicates a referenced entity id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateStackName indicates a non-deleted stack already holds the name.
	ErrDuplicateStackName = errors.New("stack name already in use")

	// ErrDuplicateAgent indicates a non-deleted agent already holds the
	// (name, cluster) pair.
	ErrDuplicateAgent = errors.New("agent already registered for cluster")

	// ErrStackNotWritable indicates a mutation was attempted on a soft-deleted stack.
	ErrStackNotWritable = errors.New("stack is deleted and not writable")

	// ErrUnauthenticated indicates the presented credential matched no live
	// agent. Deliberately carries no detail about which part was wrong.
	ErrUnauthenticated = errors.New("authentication failed")

	// ErrAlreadyClaimed indicates a claim attempt on an order that is not in
	// a claimable state.
	ErrAlreadyClaimed = errors.New("work order already claimed")

	// ErrNotClaimed indicates an outcome report for an order that is not
	// IN_PROGRESS.
	ErrNotClaimed = errors.New("work order not claimed")
)

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil) or the fleet ErrNotFound sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil) || errors.Is(err, ErrNotFound)
}
