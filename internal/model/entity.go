// Package model defines the entity types and the durable mutation record
// shared across the sync engine.
//
// Entities are hierarchical: a project owns tasks, tasks may have a parent
// task, and connections reference a source and target task. The sync engine
// pushes them in dependency order (project -> task -> connection -> note) so
// the remote store's referential constraints hold.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies which collection an entity belongs to.
type EntityType string

const (
	EntityProject    EntityType = "project"
	EntityTask       EntityType = "task"
	EntityConnection EntityType = "connection"
	EntityNote       EntityType = "note"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityProject, EntityTask, EntityConnection, EntityNote:
		return true
	}
	return false
}

// Collection returns the remote collection name for this entity type.
func (t EntityType) Collection() string {
	switch t {
	case EntityProject:
		return "projects"
	case EntityTask:
		return "tasks"
	case EntityConnection:
		return "connections"
	case EntityNote:
		return "notes"
	}
	return string(t)
}

// Rank returns the dependency rank used to order remote writes.
// Lower ranks must be pushed first.
func (t EntityType) Rank() int {
	switch t {
	case EntityProject:
		return 0
	case EntityTask:
		return 1
	case EntityConnection:
		return 2
	case EntityNote:
		return 3
	}
	return 4
}

// RequiresProject reports whether entities of this type must carry an
// owning project id.
func (t EntityType) RequiresProject() bool {
	return t != EntityProject
}

// EntityTypeForCollection maps a remote collection name back to its type.
func EntityTypeForCollection(collection string) (EntityType, error) {
	switch collection {
	case "projects":
		return EntityProject, nil
	case "tasks":
		return EntityTask, nil
	case "connections":
		return EntityConnection, nil
	case "notes":
		return EntityNote, nil
	}
	return "", fmt.Errorf("unknown collection: %s", collection)
}

// Project is the top-level container for a task graph.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is a node in the hierarchical task graph. ParentID is empty for
// root tasks.
type Task struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Title     string    `json:"title"`
	Status    string    `json:"status,omitempty"`
	Position  int       `json:"position,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Connection is a cross-reference edge between two tasks.
type Connection struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Label     string    `json:"label,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Note is a free-form annotation attached to a project.
type Note struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deletion describes one locally requested delete. Permanent deletions are
// routed through the purge RPC and recorded as tombstones; soft deletions
// go through the regular delete RPC.
type Deletion struct {
	EntityType EntityType `json:"entity_type"`
	ID         string     `json:"id"`
	Permanent  bool       `json:"permanent"`
}

// ChangeSet is the outgoing snapshot of one project handed to the
// orchestrator by the editor layer.
type ChangeSet struct {
	Project     *Project
	Tasks       []Task
	Connections []Connection
	Notes       []Note
	Deletions   []Deletion
}

// Snapshot marshals v into the opaque payload form carried by the
// mutation queue and the remote upsert RPC.
func Snapshot(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity snapshot: %w", err)
	}
	return data, nil
}
