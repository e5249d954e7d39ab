package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// RecordSuite tests record helpers and status tagging.
type RecordSuite struct {
	suite.Suite
}

func TestRecordSuite(t *testing.T) {
	suite.Run(t, new(RecordSuite))
}

func fullRecord(id int64) Record {
	return Record{
		ID:       id,
		AreaCode: "P",
		Fields: map[string]string{
			FieldCompletionStatus:   CompletionDone,
			FieldEducator:           "Sato",
			FieldConfirmPerson:      "Suzuki",
			FieldApprover:           "Tanaka",
			FieldStandardEducation:  "ok",
			FieldSamplingInspection: "ok",
			FieldInspector:          "Ito",
			FieldInspectionResult:   "pass",
		},
	}
}

func (s *RecordSuite) TestMaxID() {
	s.Equal(int64(100), MaxID(nil, 100))
	s.Equal(int64(102), MaxID([]Record{{ID: 98}, {ID: 102}, {ID: 101}}, 100))
	// A set whose max is below the fallback still reports its own max.
	s.Equal(int64(7), MaxID([]Record{{ID: 7}}, 100))
}

func (s *RecordSuite) TestFieldTrimsAndHandlesNil() {
	s.Equal("", Record{}.Field(FieldEducator))
	r := Record{Fields: map[string]string{FieldEducator: "  Sato "}}
	s.Equal("Sato", r.Field(FieldEducator))
	s.Equal("42", Record{ID: 42}.Key())
}

func (s *RecordSuite) TestSortByIDDesc() {
	records := []Record{{ID: 3}, {ID: 10}, {ID: 7}}
	SortByIDDesc(records)
	s.Equal([]int64{10, 7, 3}, IDs(records))
}

func (s *RecordSuite) TestStatusTags_TableDriven() {
	tests := []struct {
		name   string
		mutate func(r *Record)
		expect []StatusTag
	}{
		{
			name:   "completed with all checks",
			mutate: func(r *Record) {},
			expect: []StatusTag{StatusCompleted},
		},
		{
			name:   "missing approver",
			mutate: func(r *Record) { delete(r.Fields, FieldApprover) },
			expect: []StatusTag{StatusMfgUnconfirmed},
		},
		{
			name:   "missing inspector",
			mutate: func(r *Record) { r.Fields[FieldInspector] = " " },
			expect: []StatusTag{StatusQCUnconfirmed},
		},
		{
			name: "ng status with missing sign-offs carries every tag",
			mutate: func(r *Record) {
				r.Fields[FieldCompletionStatus] = CompletionNG
				delete(r.Fields, FieldEducator)
				delete(r.Fields, FieldInspectionResult)
			},
			expect: []StatusTag{StatusMfgUnconfirmed, StatusQCUnconfirmed, StatusNG},
		},
		{
			name:   "ng note in sampling inspection",
			mutate: func(r *Record) { r.Fields[FieldSamplingInspection] = "Result NG" },
			expect: []StatusTag{StatusNG},
		},
		{
			name:   "open record with every field filled",
			mutate: func(r *Record) { r.Fields[FieldCompletionStatus] = "T" },
			expect: []StatusTag{StatusUnconfirmed},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			r := fullRecord(1)
			tt.mutate(&r)
			s.Equal(tt.expect, r.StatusTags())
		})
	}
}

func (s *RecordSuite) TestHasTag() {
	r := fullRecord(1)
	r.Fields[FieldCompletionStatus] = CompletionNG
	s.True(r.HasTag(StatusNG))
	s.False(r.HasTag(StatusCompleted))
}

func TestRecordUpdateValidate(t *testing.T) {
	valid := RecordUpdate{ID: 5, Section: SectionMfg, Fields: map[string]string{FieldEducator: "Sato"}}
	assert.NoError(t, valid.Validate())

	cases := map[string]RecordUpdate{
		"zero id":         {Section: SectionMfg, Fields: map[string]string{FieldEducator: "x"}},
		"unknown section": {ID: 1, Section: "ops", Fields: map[string]string{FieldEducator: "x"}},
		"no fields":       {ID: 1, Section: SectionQC},
		"foreign field":   {ID: 1, Section: SectionQC, Fields: map[string]string{FieldApprover: "x"}},
	}
	for name, u := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, u.Validate(), ErrInvalidUpdate)
		})
	}
}

func TestSectionFieldsIsACopy(t *testing.T) {
	f := SectionMfg.Fields()
	f[0] = "changed"
	assert.Equal(t, FieldEducator, SectionMfg.Fields()[0])
	assert.True(t, SectionQC.Owns(FieldInspector))
	assert.False(t, SectionQC.Owns(FieldEducator))
}
