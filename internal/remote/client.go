// Package remote defines the contract with the backing task service and
// ships two implementations of it: HTTPClient, which talks to a running
// service over REST and a websocket push channel, and Memory, an in-process
// service used by tests and examples.
//
// All payloads are wire rows from the schema package. Mapping rows to domain
// records is left to the caller.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Common errors returned by Client implementations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, remote.ErrRemoteUnavailable) {
//	    // queue the mutation or retry later
//	}
var (
	// ErrRemoteUnavailable is returned for network failures and server errors.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrNotAuthenticated is returned when there is no active session or the
	// service rejected the credentials.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotFound is returned when the addressed task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrRejected is returned when the service refused a payload as invalid.
	ErrRejected = errors.New("request rejected")
)

// EntityKind names a record kind that can be subscribed to.
type EntityKind string

const (
	KindTask          EntityKind = "tasks"
	KindChecklistItem EntityKind = "checklist_items"
)

// IsValid reports whether k is a known record kind.
func (k EntityKind) IsValid() bool {
	return k == KindTask || k == KindChecklistItem
}

// EventType tags a pushed row change.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one pushed row change. New carries the full row after the change
// (insert, update); Old carries at least the key of the row before it
// (update, delete).
type Event struct {
	Type EventType       `json:"eventType"`
	Kind EntityKind      `json:"kind"`
	New  json.RawMessage `json:"new,omitempty"`
	Old  json.RawMessage `json:"old,omitempty"`
}

// NewEvent builds an event, marshalling the given rows. Either row may be nil.
func NewEvent(typ EventType, kind EntityKind, newRow, oldRow any) (Event, error) {
	ev := Event{Type: typ, Kind: kind}
	if newRow != nil {
		data, err := json.Marshal(newRow)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal new row: %w", err)
		}
		ev.New = data
	}
	if oldRow != nil {
		data, err := json.Marshal(oldRow)
		if err != nil {
			return Event{}, fmt.Errorf("failed to marshal old row: %w", err)
		}
		ev.Old = data
	}
	return ev, nil
}

// Row returns the raw row that identifies the changed record: New when
// present, Old otherwise.
func (e Event) Row() json.RawMessage {
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}

// DecodeTask decodes the event's row as a task row.
func (e Event) DecodeTask() (schema.TaskRow, error) {
	var row schema.TaskRow
	if err := json.Unmarshal(e.Row(), &row); err != nil {
		return schema.TaskRow{}, fmt.Errorf("failed to decode task row: %w", err)
	}
	if row.ID == "" {
		return schema.TaskRow{}, fmt.Errorf("task row has no id")
	}
	return row, nil
}

// DecodeChecklistItem decodes the event's row as a checklist row.
func (e Event) DecodeChecklistItem() (schema.ChecklistRow, error) {
	var row schema.ChecklistRow
	if err := json.Unmarshal(e.Row(), &row); err != nil {
		return schema.ChecklistRow{}, fmt.Errorf("failed to decode checklist row: %w", err)
	}
	if row.ID == "" {
		return schema.ChecklistRow{}, fmt.Errorf("checklist row has no id")
	}
	return row, nil
}

// Handler receives pushed events. It may be called from any goroutine.
type Handler func(Event)

// Subscription is a live push registration.
type Subscription interface {
	// Unsubscribe revokes the registration. After it returns the handler
	// is not called again. Safe to call more than once.
	Unsubscribe() error
}

// Filter narrows GetTasks results.
type Filter struct {
	// UserID scopes results to one owner. Required.
	UserID string
	// Category, when set, returns only tasks in that category.
	Category string
	// ExcludeCompleted drops completed tasks.
	ExcludeCompleted bool
}

type userKey struct{}

// WithUser returns a context carrying the acting user id. Services that
// authenticate per request derive the owner themselves and ignore it.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the user id stored by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}

// Client is the opaque CRUD + subscribe interface of the backing service.
type Client interface {
	// GetTasks returns every task matching filter, checklist items included.
	GetTasks(ctx context.Context, filter Filter) ([]schema.TaskRow, error)

	// CreateTask creates a task and returns the canonical row. Creates that
	// carry a ClientRef already seen return the existing row.
	CreateTask(ctx context.Context, draft schema.DraftRow) (schema.TaskRow, error)

	// UpdateTask applies patch and returns the canonical row.
	UpdateTask(ctx context.Context, id string, patch schema.TaskPatchRow) (schema.TaskRow, error)

	// DeleteTask removes a task and its checklist items.
	DeleteTask(ctx context.Context, id string) error

	// Subscribe registers handler for row changes of kind owned by userID.
	Subscribe(ctx context.Context, kind EntityKind, userID string, handler Handler) (Subscription, error)
}
