package fleet

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes
//
// Redis stores data as string-to-string maps (hashes). Map-valued fields
// (labels, annotations, selectors) are JSON-encoded into single hash fields.
// This keeps scalar fields individually readable (HGET checksum) while
// allowing structured values.

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]string, error) {
	m := map[string]string{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseMs(s string) int64 {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return ms
}

// StackToHash converts a Stack struct to a Redis hash format.
func StackToHash(s *Stack) (map[string]interface{}, error) {
	labelsJSON, err := marshalMap(s.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	annotationsJSON, err := marshalMap(s.Annotations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal annotations: %w", err)
	}
	selectorJSON, err := json.Marshal(s.Selector)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal selector: %w", err)
	}

	return map[string]interface{}{
		"id":            s.ID,
		"name":          s.Name,
		"labels":        labelsJSON,
		"annotations":   annotationsJSON,
		"selector":      string(selectorJSON),
		"created_at_ms": s.CreatedAtMs,
		"updated_at_ms": s.UpdatedAtMs,
		"deleted_at_ms": s.DeletedAtMs,
	}, nil
}

// HashToStack converts a Redis hash to a Stack struct.
func HashToStack(hash map[string]string) (*Stack, error) {
	labels, err := unmarshalMap(hash["labels"])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	annotations, err := unmarshalMap(hash["annotations"])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal annotations: %w", err)
	}

	var selector Selector
	if raw := hash["selector"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &selector); err != nil {
			return nil, fmt.Errorf("failed to unmarshal selector: %w", err)
		}
	}

	return &Stack{
		ID: hash["id"],
		Record: Record{
			CreatedAtMs: parseMs(hash["created_at_ms"]),
			UpdatedAtMs: parseMs(hash["updated_at_ms"]),
			DeletedAtMs: parseMs(hash["deleted_at_ms"]),
		},
		Name:        hash["name"],
		Labels:      labels,
		Annotations: annotations,
		Selector:    selector,
	}, nil
}

// VersionToHash converts a ContentVersion struct to a Redis hash format.
func VersionToHash(v *ContentVersion) map[string]interface{} {
	return map[string]interface{}{
		"id":              v.ID,
		"stack_id":        v.StackID,
		"blob":            v.Blob,
		"checksum":        v.Checksum,
		"submitted_at_ms": v.SubmittedAtMs,
		"tombstone":       strconv.FormatBool(v.Tombstone),
		"deleted_at_ms":   v.DeletedAtMs,
	}
}

// HashToVersion converts a Redis hash to a ContentVersion struct.
func HashToVersion(hash map[string]string) (*ContentVersion, error) {
	tombstone, err := strconv.ParseBool(hash["tombstone"])
	if err != nil {
		return nil, fmt.Errorf("invalid tombstone field: %w", err)
	}

	return &ContentVersion{
		ID:            hash["id"],
		StackID:       hash["stack_id"],
		Blob:          hash["blob"],
		Checksum:      hash["checksum"],
		SubmittedAtMs: parseMs(hash["submitted_at_ms"]),
		Tombstone:     tombstone,
		DeletedAtMs:   parseMs(hash["deleted_at_ms"]),
	}, nil
}

// AgentToHash converts an Agent struct to a Redis hash format.
// The credential hash is stored as a field here even though it is excluded
// from JSON serialization.
func AgentToHash(a *Agent) (map[string]interface{}, error) {
	labelsJSON, err := marshalMap(a.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	annotationsJSON, err := marshalMap(a.Annotations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal annotations: %w", err)
	}

	return map[string]interface{}{
		"id":                a.ID,
		"name":              a.Name,
		"cluster_name":      a.ClusterName,
		"labels":            labelsJSON,
		"annotations":       annotationsJSON,
		"last_heartbeat_ms": a.LastHeartbeatMs,
		"status":            string(a.Status),
		"pak_hash":          a.PAKHash,
		"created_at_ms":     a.CreatedAtMs,
		"updated_at_ms":     a.UpdatedAtMs,
		"deleted_at_ms":     a.DeletedAtMs,
	}, nil
}

// HashToAgent converts a Redis hash to an Agent struct.
func HashToAgent(hash map[string]string) (*Agent, error) {
	labels, err := unmarshalMap(hash["labels"])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
	}
	annotations, err := unmarshalMap(hash["annotations"])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal annotations: %w", err)
	}

	return &Agent{
		ID: hash["id"],
		Record: Record{
			CreatedAtMs: parseMs(hash["created_at_ms"]),
			UpdatedAtMs: parseMs(hash["updated_at_ms"]),
			DeletedAtMs: parseMs(hash["deleted_at_ms"]),
		},
		Name:            hash["name"],
		ClusterName:     hash["cluster_name"],
		Labels:          labels,
		Annotations:     annotations,
		LastHeartbeatMs: parseMs(hash["last_heartbeat_ms"]),
		Status:          AgentStatus(hash["status"]),
		PAKHash:         hash["pak_hash"],
	}, nil
}

// OrderToHash converts a WorkOrder struct to a Redis hash format.
func OrderToHash(o *WorkOrder) map[string]interface{} {
	return map[string]interface{}{
		"id":                 o.ID,
		"agent_id":           o.AgentID,
		"content_version_id": o.ContentVersionID,
		"status":             string(o.Status),
		"last_error":         o.LastError,
		"last_error_at_ms":   o.LastErrorAtMs,
		"completed_at_ms":    o.CompletedAtMs,
		"created_at_ms":      o.CreatedAtMs,
		"updated_at_ms":      o.UpdatedAtMs,
		"deleted_at_ms":      o.DeletedAtMs,
	}
}

// HashToOrder converts a Redis hash to a WorkOrder struct.
func HashToOrder(hash map[string]string) (*WorkOrder, error) {
	status := WorkOrderStatus(hash["status"])
	if err := status.Validate(); err != nil {
		return nil, fmt.Errorf("invalid status field: %w", err)
	}

	return &WorkOrder{
		ID: hash["id"],
		Record: Record{
			CreatedAtMs: parseMs(hash["created_at_ms"]),
			UpdatedAtMs: parseMs(hash["updated_at_ms"]),
			DeletedAtMs: parseMs(hash["deleted_at_ms"]),
		},
		AgentID:          hash["agent_id"],
		ContentVersionID: hash["content_version_id"],
		Status:           status,
		LastError:        hash["last_error"],
		LastErrorAtMs:    parseMs(hash["last_error_at_ms"]),
		CompletedAtMs:    parseMs(hash["completed_at_ms"]),
	}, nil
}
