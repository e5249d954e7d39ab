package relevance

import (
	"strings"

	"github.com/thebtf/shiftwatch/pkg/models"
)

// Filter answers relevance questions for one assignment. The assignment is
// resolved against the catalog once, at construction.
type Filter struct {
	members    map[string]struct{}
	assignment string
	all        bool
}

// NewFilter resolves assignment: "all", a group name, or a single area
// code. A single code need not be listed in the catalog. An empty
// assignment matches nothing.
func NewFilter(assignment string, cat Catalog) *Filter {
	assignment = strings.TrimSpace(assignment)
	f := &Filter{assignment: assignment, members: map[string]struct{}{}}

	switch {
	case assignment == "":
	case strings.EqualFold(assignment, models.AssignmentAll):
		f.all = true
	default:
		_, isArea := cat.Areas[assignment]
		if group, ok := cat.Groups[assignment]; ok && !isArea {
			for _, m := range group {
				f.members[m] = struct{}{}
			}
		} else {
			f.members[assignment] = struct{}{}
		}
	}
	return f
}

// Assignment returns the assignment the filter was built for.
func (f *Filter) Assignment() string {
	return f.assignment
}

// Resolved reports whether the assignment matches anything at all.
func (f *Filter) Resolved() bool {
	return f.all || len(f.members) > 0
}

// IsRelevant reports whether r concerns the user.
func (f *Filter) IsRelevant(r models.Record) bool {
	if f.all {
		return true
	}
	_, ok := f.members[r.AreaCode]
	return ok
}

// Select returns the relevant records, preserving order.
func (f *Filter) Select(records []models.Record) []models.Record {
	var out []models.Record
	for _, r := range records {
		if f.IsRelevant(r) {
			out = append(out, r)
		}
	}
	return out
}
