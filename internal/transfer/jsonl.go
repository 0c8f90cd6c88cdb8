// Package transfer moves task lists in and out of JSONL files, one task per
// line.
//
// Exported files hold full task records. Import accepts those as well as
// bare drafts, so a list can be copied to another account or service.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Record is one imported line: a draft plus the completion state of an
// exported task. Checklist entries may be plain titles or exported items.
type Record struct {
	schema.Draft
	Checklist []ChecklistEntry `json:"checklist,omitempty"`
	Completed bool             `json:"completed,omitempty"`
}

// ChecklistEntry is an imported checklist item.
type ChecklistEntry struct {
	Title     string `json:"title"`
	Completed bool   `json:"completed,omitempty"`
}

// UnmarshalJSON accepts either a string title or an item object.
func (e *ChecklistEntry) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Title)
	}
	type plain ChecklistEntry
	return json.Unmarshal(data, (*plain)(e))
}

// ToDraft returns the draft to create. Checklist completion is not part of
// a draft and is dropped.
func (r *Record) ToDraft() schema.Draft {
	d := r.Draft
	d.Checklist = nil
	for _, item := range r.Checklist {
		d.Checklist = append(d.Checklist, item.Title)
	}
	d.ClientRef = ""
	return d
}

// ReadFile reads records from a JSONL file.
func ReadFile(path string) ([]Record, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes one record per JSON value and validates each.
func Read(r io.Reader) ([]Record, error) {
	var records []Record
	decoder := json.NewDecoder(r)
	for n := 1; ; n++ {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON in record %d: %w", n, err)
		}
		draft := rec.ToDraft()
		draft.SetDefaults()
		if err := draft.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Write encodes tasks one per line.
func Write(w io.Writer, tasks []schema.Task) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Importer creates tasks. *store.Store satisfies it.
type Importer interface {
	Create(ctx context.Context, draft schema.Draft) (*schema.Task, error)
	ToggleComplete(ctx context.Context, id string) (schema.Task, error)
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Created int
	Queued  int
	Errors  []string
}

// Import creates every record in order. Records exported as completed are
// completed after creation; queued records are created open.
func Import(ctx context.Context, imp Importer, records []Record) ImportResult {
	var result ImportResult
	for i, rec := range records {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			break
		}
		task, err := imp.Create(ctx, rec.ToDraft())
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d (%s): %v", i+1, rec.Title, err))
			continue
		}
		if task == nil {
			result.Queued++
			continue
		}
		result.Created++
		if rec.Completed {
			if _, err := imp.ToggleComplete(ctx, task.ID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d (%s): failed to complete: %v", i+1, rec.Title, err))
			}
		}
	}
	return result
}
