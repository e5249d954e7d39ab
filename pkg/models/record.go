// Package models contains domain models for shiftwatch.
package models

import (
	"sort"
	"strconv"
	"strings"
)

// Field names carried by a shift-change record.
const (
	FieldCompletionStatus   = "completionStatus"
	FieldEducator           = "educator"
	FieldConfirmPerson      = "confirmPerson"
	FieldApprover           = "approver"
	FieldStandardEducation  = "standardEducation"
	FieldSamplingInspection = "samplingInspection"
	FieldInspector          = "inspector"
	FieldInspectionResult   = "inspectionResult"
	FieldNewWorker          = "newWorker"
	FieldCompletionProcess  = "completionProcess"
	FieldOccurrenceDate     = "occurrenceDate"
)

// Completion status values used by the data source.
const (
	CompletionDone = "C"
	CompletionNG   = "NG"
)

// Record is one shift-change record as fetched from the data source.
// Records are immutable once fetched; every poll replaces the full set.
type Record struct {
	ID       int64             `json:"id"`
	AreaCode string            `json:"area_code"`
	Fields   map[string]string `json:"fields"`
}

// Field returns the trimmed value of a record field, or "" when absent.
func (r Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return strings.TrimSpace(r.Fields[name])
}

// Key is the string form of the record id used by the unread set.
func (r Record) Key() string {
	return strconv.FormatInt(r.ID, 10)
}

// MaxID returns the largest id in records, or fallback when records is empty.
func MaxID(records []Record, fallback int64) int64 {
	if len(records) == 0 {
		return fallback
	}
	max := records[0].ID
	for _, r := range records[1:] {
		if r.ID > max {
			max = r.ID
		}
	}
	return max
}

// IDs returns the ids of records in input order.
func IDs(records []Record) []int64 {
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

// SortByIDDesc orders records newest first, the order the dashboard lists them in.
func SortByIDDesc(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ID > records[j].ID
	})
}
