// Package window converts symbolic dashboard range tags into concrete
// half-open [start, end) time windows.
package window

import (
	"fmt"
	"strings"
	"time"
)

// Tag is a symbolic range selector.
type Tag string

const (
	TagHour  Tag = "1h"
	TagDay   Tag = "24h"
	TagWeek  Tag = "7d"
	TagMonth Tag = "30d"
)

// Duration returns the fixed span a tag covers. Unknown tags fall back to
// 24h; validation happens at the config boundary, not here.
func (t Tag) Duration() time.Duration {
	switch t {
	case TagHour:
		return time.Hour
	case TagDay:
		return 24 * time.Hour
	case TagWeek:
		return 7 * 24 * time.Hour
	case TagMonth:
		return 30 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// ParseTag validates a raw tag string. Callers at the config edge use this;
// core code assumes tags are already valid.
func ParseTag(raw string) (Tag, error) {
	tag := Tag(strings.ToLower(strings.TrimSpace(raw)))
	switch tag {
	case TagHour, TagDay, TagWeek, TagMonth:
		return tag, nil
	}
	return "", fmt.Errorf("unknown window tag %q (want 1h, 24h, 7d or 30d)", raw)
}

// Window is a concrete half-open [Start, End) range scoping one query.
type Window struct {
	Start time.Time
	End   time.Time
}

// Resolve derives the concrete window for a tag at instant now.
// End is always now; Start is now minus the tag duration, so Start < End
// holds for every tag.
func Resolve(tag Tag, now time.Time) Window {
	return Window{Start: now.Add(-tag.Duration()), End: now}
}

// Contains reports whether ts lies within the half-open window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Span returns the window length.
func (w Window) Span() time.Duration {
	return w.End.Sub(w.Start)
}
