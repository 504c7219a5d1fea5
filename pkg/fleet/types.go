package fleet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record holds the shared audit and soft-delete timestamps carried by every
// persisted entity. It is embedded rather than inherited; a zero DeletedAtMs
// means the row is live.
type Record struct {
	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
	DeletedAtMs int64 `json:"deleted_at_ms,omitempty"`
}

// Deleted reports whether the record has been soft-deleted.
func (r Record) Deleted() bool {
	return r.DeletedAtMs > 0
}

// Touch stamps the record as updated at the given time, setting the creation
// timestamp on first touch.
func (r *Record) Touch(at time.Time) {
	ms := at.UnixMilli()
	if r.CreatedAtMs == 0 {
		r.CreatedAtMs = ms
	}
	r.UpdatedAtMs = ms
}

// MarkDeleted stamps the record as soft-deleted at the given time.
// Idempotent: a second call does not move the original deletion timestamp.
func (r *Record) MarkDeleted(at time.Time) {
	if r.DeletedAtMs == 0 {
		r.DeletedAtMs = at.UnixMilli()
	}
	r.UpdatedAtMs = at.UnixMilli()
}

// Selector is a stack's structured predicate over the agent population.
// An agent is targeted when its cluster matches Cluster (if set) and its
// labels contain every key/value pair in MatchLabels. An empty selector
// matches every agent.
type Selector struct {
	Cluster     string            `json:"cluster,omitempty"`
	MatchLabels map[string]string `json:"match_labels,omitempty"`
}

// Matches reports whether the agent satisfies the selector.
// It looks only at the agent's cluster and labels; liveness and soft-delete
// filtering are the caller's responsibility.
func (s Selector) Matches(a *Agent) bool {
	if s.Cluster != "" && s.Cluster != a.ClusterName {
		return false
	}
	for k, v := range s.MatchLabels {
		if a.Labels[k] != v {
			return false
		}
	}
	return true
}

// Stack is a named unit of declared deployment intent. Its name is unique
// among non-deleted stacks; labels and annotations are free-form key/value
// maps used for selector matching and display.
type Stack struct {
	ID string `json:"id"`
	Record
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Selector    Selector          `json:"selector"`
}

// Validate checks if the Stack has valid field values.
func (s *Stack) Validate() error {
	if !isValidUUID(s.ID) {
		return fmt.Errorf("invalid stack ID: not a valid UUID")
	}
	if s.Name == "" {
		return fmt.Errorf("stack name cannot be empty")
	}
	return nil
}

// ContentVersion is an immutable, checksummed snapshot of a stack's payload.
// A tombstone version carries an empty blob and signals that everything the
// stack previously declared must be removed.
type ContentVersion struct {
	ID            string `json:"id"`
	StackID       string `json:"stack_id"`
	Blob          string `json:"blob"`
	Checksum      string `json:"checksum"`
	SubmittedAtMs int64  `json:"submitted_at_ms"`
	Tombstone     bool   `json:"tombstone"`
	DeletedAtMs   int64  `json:"deleted_at_ms,omitempty"`
}

// Deleted reports whether the version has been soft-deleted.
func (v *ContentVersion) Deleted() bool {
	return v.DeletedAtMs > 0
}

// Validate checks if the ContentVersion has valid field values.
func (v *ContentVersion) Validate() error {
	if !isValidUUID(v.ID) {
		return fmt.Errorf("invalid content version ID: not a valid UUID")
	}
	if !isValidUUID(v.StackID) {
		return fmt.Errorf("invalid stack ID: not a valid UUID")
	}
	if v.Checksum == "" {
		return fmt.Errorf("checksum cannot be empty")
	}
	if v.Tombstone && v.Blob != "" {
		return fmt.Errorf("tombstone version must carry an empty blob")
	}
	if !v.Tombstone && v.Blob == "" {
		return fmt.Errorf("content blob cannot be empty")
	}
	if v.SubmittedAtMs <= 0 {
		return fmt.Errorf("invalid submission timestamp: %d", v.SubmittedAtMs)
	}
	return nil
}

// AgentStatus is the liveness state of an agent.
type AgentStatus string

const (
	// AgentActive indicates the agent heartbeated within the freshness window.
	AgentActive AgentStatus = "ACTIVE"

	// AgentInactive indicates the agent has never heartbeated, or its last
	// heartbeat is older than the freshness window.
	AgentInactive AgentStatus = "INACTIVE"
)

// Validate checks if the AgentStatus is a valid enum value.
func (s AgentStatus) Validate() error {
	switch s {
	case AgentActive, AgentInactive:
		return nil
	default:
		return fmt.Errorf("unknown agent status: %q", s)
	}
}

// Agent is a remote worker bound to one cluster. The (name, cluster_name)
// pair is unique among non-deleted agents. Only the hash of its credential
// is ever held; the raw PAK is never persisted.
type Agent struct {
	ID string `json:"id"`
	Record
	Name            string            `json:"name"`
	ClusterName     string            `json:"cluster_name"`
	Labels          map[string]string `json:"labels,omitempty"`
	Annotations     map[string]string `json:"annotations,omitempty"`
	LastHeartbeatMs int64             `json:"last_heartbeat_ms,omitempty"`
	Status          AgentStatus       `json:"status"`

	// PAKHash is the sha256 digest of the agent's credential. It is excluded
	// from JSON so published events never leak it.
	PAKHash string `json:"-"`
}

// QualifiedName returns the cluster-scoped identity "cluster/name".
func (a *Agent) QualifiedName() string {
	return a.ClusterName + "/" + a.Name
}

// StatusAt computes the agent's liveness as a pure function of the current
// time, the last heartbeat and the freshness window. The persisted Status
// field is only a materialisation of this; readers must not trust it alone.
func (a *Agent) StatusAt(now time.Time, window time.Duration) AgentStatus {
	if a.LastHeartbeatMs == 0 {
		return AgentInactive
	}
	age := now.UnixMilli() - a.LastHeartbeatMs
	if age <= window.Milliseconds() {
		return AgentActive
	}
	return AgentInactive
}

// Validate checks if the Agent has valid field values.
func (a *Agent) Validate() error {
	if !isValidUUID(a.ID) {
		return fmt.Errorf("invalid agent ID: not a valid UUID")
	}
	if a.Name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if a.ClusterName == "" {
		return fmt.Errorf("cluster name cannot be empty")
	}
	if a.Status != "" {
		if err := a.Status.Validate(); err != nil {
			return fmt.Errorf("invalid status: %w", err)
		}
	}
	return nil
}

// WorkOrderStatus is the lifecycle state of a work order.
// Orders progress PENDING -> IN_PROGRESS -> SUCCEEDED | FAILED.
// FAILED is retryable: the same order is re-claimed rather than duplicated.
// SUCCEEDED is permanent.
type WorkOrderStatus string

const (
	// OrderPending indicates the order exists but no agent has claimed it.
	OrderPending WorkOrderStatus = "PENDING"

	// OrderInProgress indicates an agent has claimed the order and is applying it.
	OrderInProgress WorkOrderStatus = "IN_PROGRESS"

	// OrderSucceeded indicates the agent applied the content. Immutable history.
	OrderSucceeded WorkOrderStatus = "SUCCEEDED"

	// OrderFailed indicates the last attempt failed. The order is re-claimable.
	OrderFailed WorkOrderStatus = "FAILED"
)

// Validate checks if the WorkOrderStatus is a valid enum value.
func (s WorkOrderStatus) Validate() error {
	switch s {
	case OrderPending, OrderInProgress, OrderSucceeded, OrderFailed:
		return nil
	default:
		return fmt.Errorf("unknown work order status: %q", s)
	}
}

// Claimable reports whether an order in this state may be claimed by a poller.
func (s WorkOrderStatus) Claimable() bool {
	return s == OrderPending || s == OrderFailed
}

// Terminal reports whether the state is permanent.
func (s WorkOrderStatus) Terminal() bool {
	return s == OrderSucceeded
}

// WorkOrder is a trackable unit of work binding one agent to one content
// version. For a given (agent, content version) pair there is at most one
// order that is not SUCCEEDED; retries transition the existing order.
// Orders are never hard-deleted: they are the audit trail.
type WorkOrder struct {
	ID string `json:"id"`
	Record
	AgentID          string          `json:"agent_id"`
	ContentVersionID string          `json:"content_version_id"`
	Status           WorkOrderStatus `json:"status"`
	LastError        string          `json:"last_error,omitempty"`
	LastErrorAtMs    int64           `json:"last_error_at_ms,omitempty"`
	CompletedAtMs    int64           `json:"completed_at_ms,omitempty"`
}

// Validate checks if the WorkOrder has valid field values.
func (o *WorkOrder) Validate() error {
	if !isValidUUID(o.ID) {
		return fmt.Errorf("invalid work order ID: not a valid UUID")
	}
	if !isValidUUID(o.AgentID) {
		return fmt.Errorf("invalid agent ID: not a valid UUID")
	}
	if !isValidUUID(o.ContentVersionID) {
		return fmt.Errorf("invalid content version ID: not a valid UUID")
	}
	if err := o.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	return nil
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
