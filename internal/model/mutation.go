package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Operation is the kind of remote write a mutation represents.
type Operation string

const (
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// MutationItem is one durable pending remote write. Items are created when
// a write fails with a retryable error or while offline, and destroyed on
// success, on exceeding the retry limit, or on classification as a
// permanent failure.
type MutationItem struct {
	// ID is an opaque unique id for the queue record itself.
	ID string `json:"id"`

	// EntityType determines the remote collection and dependency rank.
	EntityType EntityType `json:"entity_type"`

	// Operation is upsert or delete.
	Operation Operation `json:"operation"`

	// Payload is the entity snapshot for upserts, or an id-only document
	// for deletes. It always carries an "id" field.
	Payload json.RawMessage `json:"payload"`

	// ProjectID is the owning project; empty only for project-level items.
	ProjectID string `json:"project_id,omitempty"`

	// RetryCount is bumped on every failed retry attempt.
	RetryCount int `json:"retry_count"`

	// CreatedAt is when the mutation was first enqueued.
	CreatedAt time.Time `json:"created_at"`
}

// NewMutationItem builds a queue record with a fresh id.
func NewMutationItem(entityType EntityType, op Operation, payload json.RawMessage, projectID string, now time.Time) *MutationItem {
	return &MutationItem{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Operation:  op,
		Payload:    payload,
		ProjectID:  projectID,
		CreatedAt:  now,
	}
}

// EntityID extracts the entity id from the payload. Empty when the payload
// has no id field, which enqueue rejects.
func (m *MutationItem) EntityID() string {
	return gjson.GetBytes(m.Payload, "id").String()
}

// ParentID returns the referenced parent task id for task payloads.
func (m *MutationItem) ParentID() string {
	return gjson.GetBytes(m.Payload, "parent_id").String()
}

// SourceID returns the referenced source task id for connection payloads.
func (m *MutationItem) SourceID() string {
	return gjson.GetBytes(m.Payload, "source_id").String()
}

// TargetID returns the referenced target task id for connection payloads.
func (m *MutationItem) TargetID() string {
	return gjson.GetBytes(m.Payload, "target_id").String()
}

// Key identifies the entity the mutation targets. Two mutations with the
// same key collapse to one queue entry (last write wins within the queue).
func (m *MutationItem) Key() string {
	return string(m.EntityType) + "/" + m.EntityID()
}
