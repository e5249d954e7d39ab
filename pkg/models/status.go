package models

import "strings"

// StatusTag is one badge attached to a record. A record may carry several.
type StatusTag string

const (
	// StatusCompleted is set when the record is closed with no open check.
	StatusCompleted StatusTag = "completed"
	// StatusMfgUnconfirmed is set while any manufacturing sign-off is missing.
	StatusMfgUnconfirmed StatusTag = "mfg_unconfirmed"
	// StatusQCUnconfirmed is set while any quality-control check is missing.
	StatusQCUnconfirmed StatusTag = "qc_unconfirmed"
	// StatusNG marks a failed record.
	StatusNG StatusTag = "ng"
	// StatusUnconfirmed is the fallback for open records with no other tag.
	StatusUnconfirmed StatusTag = "unconfirmed"
)

// IsNG reports whether the record failed, either by status or by an "ng" note
// in one of the quality-control text fields.
func (r Record) IsNG() bool {
	if r.Field(FieldCompletionStatus) == CompletionNG {
		return true
	}
	return containsNG(r.Field(FieldStandardEducation)) || containsNG(r.Field(FieldSamplingInspection))
}

// MfgUnconfirmed reports whether a manufacturing sign-off is missing.
func (r Record) MfgUnconfirmed() bool {
	return r.anyMissing(SectionMfg.Fields())
}

// QCUnconfirmed reports whether a quality-control check is missing.
func (r Record) QCUnconfirmed() bool {
	return r.anyMissing(SectionQC.Fields())
}

// StatusTags computes the badges for the record. Overlapping conditions
// produce several tags: an NG record with missing sign-offs carries all of them.
func (r Record) StatusTags() []StatusTag {
	ng := r.IsNG()
	mfg := r.MfgUnconfirmed()
	qc := r.QCUnconfirmed()

	if r.Field(FieldCompletionStatus) == CompletionDone && !ng && !mfg && !qc {
		return []StatusTag{StatusCompleted}
	}

	tags := make([]StatusTag, 0, 3)
	if mfg {
		tags = append(tags, StatusMfgUnconfirmed)
	}
	if qc {
		tags = append(tags, StatusQCUnconfirmed)
	}
	if ng {
		tags = append(tags, StatusNG)
	}
	if len(tags) == 0 {
		tags = append(tags, StatusUnconfirmed)
	}
	return tags
}

// HasTag reports whether tag is among the record's status tags.
func (r Record) HasTag(tag StatusTag) bool {
	for _, t := range r.StatusTags() {
		if t == tag {
			return true
		}
	}
	return false
}

func (r Record) anyMissing(fields []string) bool {
	for _, f := range fields {
		if r.Field(f) == "" {
			return true
		}
	}
	return false
}

func containsNG(s string) bool {
	return s != "" && strings.Contains(strings.ToLower(s), "ng")
}
