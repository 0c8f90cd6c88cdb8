package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/offline"
	"github.com/mschirtzinger/tasksync/internal/schema"
)

// ShortID returns the first eight characters of an id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatTask renders one task as a single line.
func FormatTask(t schema.Task, now time.Time) string {
	var b strings.Builder

	if t.Completed {
		b.WriteString(RenderPass("✓"))
	} else {
		b.WriteString("○")
	}
	b.WriteString(" ")
	b.WriteString(RenderMuted(ShortID(t.ID)))
	b.WriteString(" ")
	if t.Completed {
		b.WriteString(RenderMuted(t.Title))
	} else {
		b.WriteString(t.Title)
	}

	var tags []string
	priority := t.Priority
	if priority == "" {
		priority = schema.PriorityMedium
	}
	if style, ok := priorityStyles[string(priority)]; ok {
		tags = append(tags, render(style, string(priority)))
	}
	if t.Urgent {
		tags = append(tags, RenderWarn("urgent"))
	}
	if t.Category != "" {
		tags = append(tags, "#"+t.Category)
	}
	if t.DueDate != nil {
		due := "due " + t.DueDate.Local().Format("Mon Jan 2 15:04")
		if t.IsOverdue(now) {
			due = RenderFail(due + " (overdue)")
		}
		tags = append(tags, due)
	}
	if n := len(t.Checklist); n > 0 {
		done := 0
		for _, item := range t.Checklist {
			if item.Completed {
				done++
			}
		}
		tags = append(tags, fmt.Sprintf("%d/%d", done, n))
	}
	if len(tags) > 0 {
		b.WriteString("  ")
		b.WriteString(strings.Join(tags, " · "))
	}
	return b.String()
}

// RenderTasks writes tasks one per line, with checklist items indented
// below their task when verbose is set.
func RenderTasks(w io.Writer, tasks []schema.Task, now time.Time, verbose bool) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, RenderMuted("No tasks"))
		return
	}
	for _, t := range tasks {
		fmt.Fprintln(w, FormatTask(t, now))
		if !verbose {
			continue
		}
		for _, item := range t.Checklist {
			mark := "[ ]"
			if item.Completed {
				mark = RenderPass("[x]")
			}
			fmt.Fprintf(w, "    %s %s\n", mark, item.Title)
		}
	}
}

// RenderQueue writes the pending offline actions in replay order.
func RenderQueue(w io.Writer, actions []offline.Action) {
	if len(actions) == 0 {
		fmt.Fprintln(w, RenderMuted("Offline queue is empty"))
		return
	}
	for i, a := range actions {
		fmt.Fprintf(w, "%3d. %s  %s\n", i+1, a.Summary(), RenderMuted(a.EnqueuedAt.Local().Format(time.DateTime)))
	}
}
