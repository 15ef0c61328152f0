// Package item defines the outstanding-assignment model shared by the source,
// ledger, sinks and orchestrator.
package item

import (
	"fmt"
	"strings"
	"time"
)

// Upstream timestamps carry no zone; they are wall-clock times in UTC+8.
const (
	EndTimeLayout   = "2006-01-02 15:04:05"
	StartTimeLayout = "2006-01-02 15:04"
)

// Zone is the fixed UTC+8 offset used by the upstream and by task-tracker dates.
var Zone = time.FixedZone("UTC+8", 8*3600)

// CourseInfo is optional course metadata attached to an item.
type CourseInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Teachers string `json:"teachers"`
}

// Item is one outstanding assignment. It is compared by ActivityID only.
type Item struct {
	ActivityID       string      `json:"activityId"`
	ActivityName     string      `json:"activityName"`
	SiteID           int         `json:"siteId"`
	SiteName         string      `json:"siteName"`
	Type             int         `json:"type"`
	EndTime          string      `json:"endTime"`
	AssignmentType   int         `json:"assignmentType"`
	EvaluationStatus int         `json:"evaluationStatus"`
	IsOpenEvaluation int         `json:"isOpenEvaluation"`
	CourseInfo       *CourseInfo `json:"courseInfo,omitempty"`

	// Detail-enriched fields.
	Description    string `json:"description,omitempty"`
	StartTime      string `json:"startTime,omitempty"`
	LateSubmission *bool  `json:"lateSubmission,omitempty"`
}

// CourseName returns the course name or "" when no course info is attached.
func (it Item) CourseName() string {
	if it.CourseInfo == nil {
		return ""
	}
	return strings.TrimSpace(it.CourseInfo.Name)
}

// Due parses EndTime in the upstream zone.
func (it Item) Due() (time.Time, error) {
	return parseUpstream(EndTimeLayout, it.EndTime)
}

// Start parses StartTime in the upstream zone. Both the short and the
// seconds-carrying layout are accepted.
func (it Item) Start() (time.Time, error) {
	t, err := parseUpstream(StartTimeLayout, it.StartTime)
	if err == nil {
		return t, nil
	}
	if t2, err2 := parseUpstream(EndTimeLayout, it.StartTime); err2 == nil {
		return t2, nil
	}
	return time.Time{}, err
}

func parseUpstream(layout, raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	t, err := time.ParseInLocation(layout, s, Zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", raw, err)
	}
	return t, nil
}

// Set is an ordered sequence of items as returned by one fetch.
type Set []Item

// IDs returns the activity ids in order.
func (s Set) IDs() []string {
	out := make([]string, 0, len(s))
	for _, it := range s {
		out = append(out, it.ActivityID)
	}
	return out
}

// Unique drops repeated ids, keeping the first occurrence and the original order.
func (s Set) Unique() Set {
	if len(s) == 0 {
		return Set{}
	}
	seen := make(map[string]struct{}, len(s))
	out := make(Set, 0, len(s))
	for _, it := range s {
		if _, ok := seen[it.ActivityID]; ok {
			continue
		}
		seen[it.ActivityID] = struct{}{}
		out = append(out, it)
	}
	return out
}

// Without returns the items whose id is not in ids, preserving order.
func (s Set) Without(ids map[string]struct{}) Set {
	out := make(Set, 0, len(s))
	for _, it := range s {
		if _, ok := ids[it.ActivityID]; ok {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Chunks partitions s into consecutive slices of at most size items.
func (s Set) Chunks(size int) []Set {
	if size <= 0 {
		size = len(s)
	}
	out := make([]Set, 0, (len(s)+size-1)/max(size, 1))
	for start := 0; start < len(s); start += size {
		end := min(start+size, len(s))
		out = append(out, s[start:end])
	}
	return out
}
