package models

import (
	"errors"
	"fmt"
)

// Section is an editable part of a record owned by one department.
type Section string

const (
	// SectionMfg is the manufacturing sign-off section.
	SectionMfg Section = "mfg"
	// SectionQC is the quality-control section.
	SectionQC Section = "qc"
)

var sectionFields = map[Section][]string{
	SectionMfg: {FieldEducator, FieldConfirmPerson, FieldApprover},
	SectionQC:  {FieldStandardEducation, FieldSamplingInspection, FieldInspector, FieldInspectionResult},
}

// Fields returns the field names editable in the section.
func (s Section) Fields() []string {
	fields := sectionFields[s]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// Valid reports whether s is a known section.
func (s Section) Valid() bool {
	_, ok := sectionFields[s]
	return ok
}

// Owns reports whether field belongs to the section.
func (s Section) Owns(field string) bool {
	for _, f := range sectionFields[s] {
		if f == field {
			return true
		}
	}
	return false
}

// ErrInvalidUpdate is returned by RecordUpdate.Validate.
var ErrInvalidUpdate = errors.New("invalid record update")

// RecordUpdate is an edit of one section of a record.
type RecordUpdate struct {
	ID      int64             `json:"id"`
	Section Section           `json:"section"`
	Fields  map[string]string `json:"fields"`
}

// Validate rejects updates with no id, an unknown section, or fields that
// belong to another section.
func (u RecordUpdate) Validate() error {
	if u.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidUpdate)
	}
	if !u.Section.Valid() {
		return fmt.Errorf("%w: unknown section %q", ErrInvalidUpdate, u.Section)
	}
	if len(u.Fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidUpdate)
	}
	for name := range u.Fields {
		if !u.Section.Owns(name) {
			return fmt.Errorf("%w: field %q is not part of section %s", ErrInvalidUpdate, name, u.Section)
		}
	}
	return nil
}
