// Package offline implements the durable FIFO of mutations that could not
// reach the backing service.
//
// Actions are persisted as one ordered JSON list under a fixed storage key,
// replayed strictly in enqueue order and removed only once the remote call
// they stand for is confirmed. Create actions carry their own id as the
// draft's client_ref, so a create that reached the service before a crash
// is not duplicated when it is replayed.
package offline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Kind is the type of a queued mutation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// IsValid reports whether k is a known action kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Action is one queued mutation.
type Action struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	TaskID     string          `json:"task_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewCreate builds a create action. The draft's client_ref is set to the
// action id.
func NewCreate(draft schema.DraftRow) (Action, error) {
	a := Action{ID: uuid.NewString(), Kind: KindCreate}
	draft.ClientRef = a.ID
	payload, err := json.Marshal(draft)
	if err != nil {
		return Action{}, fmt.Errorf("failed to marshal draft: %w", err)
	}
	a.Payload = payload
	return a, nil
}

// NewUpdate builds an update action for task id.
func NewUpdate(id string, patch schema.TaskPatchRow) (Action, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return Action{}, fmt.Errorf("failed to marshal patch: %w", err)
	}
	return Action{ID: uuid.NewString(), Kind: KindUpdate, TaskID: id, Payload: payload}, nil
}

// NewDelete builds a delete action for task id.
func NewDelete(id string) Action {
	return Action{ID: uuid.NewString(), Kind: KindDelete, TaskID: id}
}

// Validate checks that the action can be replayed.
func (a *Action) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("action id is required")
	}
	if !a.Kind.IsValid() {
		return fmt.Errorf("invalid action kind: %q", a.Kind)
	}
	if a.Kind != KindCreate && a.TaskID == "" {
		return fmt.Errorf("%s action requires a task id", a.Kind)
	}
	if a.Kind != KindDelete && len(a.Payload) == 0 {
		return fmt.Errorf("%s action requires a payload", a.Kind)
	}
	return nil
}

// Draft decodes the payload of a create action.
func (a *Action) Draft() (schema.DraftRow, error) {
	var draft schema.DraftRow
	if err := json.Unmarshal(a.Payload, &draft); err != nil {
		return schema.DraftRow{}, fmt.Errorf("failed to decode draft of action %s: %w", a.ID, err)
	}
	return draft, nil
}

// Patch decodes the payload of an update action.
func (a *Action) Patch() (schema.TaskPatchRow, error) {
	var patch schema.TaskPatchRow
	if err := json.Unmarshal(a.Payload, &patch); err != nil {
		return schema.TaskPatchRow{}, fmt.Errorf("failed to decode patch of action %s: %w", a.ID, err)
	}
	return patch, nil
}

// Summary is a short human-readable description of the action.
func (a *Action) Summary() string {
	switch a.Kind {
	case KindCreate:
		if draft, err := a.Draft(); err == nil {
			return fmt.Sprintf("create %q", draft.Title)
		}
	case KindUpdate, KindDelete:
		return fmt.Sprintf("%s %s", a.Kind, a.TaskID)
	}
	return string(a.Kind)
}
