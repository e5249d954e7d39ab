// Package diff finds the records that arrived since the last look.
package diff

import "github.com/thebtf/shiftwatch/pkg/models"

// Result is the outcome of comparing a fetched record set with a watermark.
type Result struct {
	NewRecords []models.Record
	NewMax     int64
}

// Diff returns the records with an id above previousMax, in input order,
// and the maximum id of the set. An empty set keeps previousMax: an empty
// fetch never means everything was removed.
func Diff(records []models.Record, previousMax int64) Result {
	res := Result{NewMax: models.MaxID(records, previousMax)}
	for _, r := range records {
		if r.ID > previousMax {
			res.NewRecords = append(res.NewRecords, r)
		}
	}
	return res
}
