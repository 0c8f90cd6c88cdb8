package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dueParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue accepts an RFC 3339 timestamp, a YYYY-MM-DD date (end of that
// day, local time) or natural language such as "next friday 5pm".
func parseDue(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty due date")
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseInLocation(time.DateOnly, text, now.Location()); err == nil {
		return d.Add(23*time.Hour + 59*time.Minute), nil
	}

	r, err := dueParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognised due date %q", text)
	}
	return r.Time, nil
}
