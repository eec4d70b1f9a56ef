package domain

import (
	"time"

	"github.com/serbia-gov/followup/internal/shared/types"
)

// Patient is a mirrored hospital patient. Rows are keyed on SourceID and
// are never deleted, only updated.
type Patient struct {
	ID        types.ID   `json:"id"`
	SourceID  string     `json:"source_id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SameAs reports whether the mutable fields match
func (p Patient) SameAs(o Patient) bool {
	return p.FirstName == o.FirstName &&
		p.LastName == o.LastName &&
		p.Phone == o.Phone &&
		sameDate(p.BirthDate, o.BirthDate)
}

// Stay is one mirrored hospitalization episode.
type Stay struct {
	ID        types.ID `json:"id"`
	SourceID  string   `json:"source_id"`
	PatientID types.ID `json:"patient_id"`
	// PatientSourceID is the source-side patient reference, resolved to
	// PatientID on upsert.
	PatientSourceID    string     `json:"patient_source_id"`
	Service            string     `json:"service"`
	AttendingPhysician string     `json:"attending_physician,omitempty"`
	AdmissionDate      *time.Time `json:"admission_date,omitempty"`
	DischargeDate      *time.Time `json:"discharge_date,omitempty"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Discharged reports whether the stay is eligible for a follow-up call
func (s Stay) Discharged() bool {
	return s.DischargeDate != nil
}

// Merge returns the stored stay updated with incoming source data. The
// discharge date is immutable once set.
func (s Stay) Merge(in Stay) Stay {
	out := s
	out.PatientID = in.PatientID
	out.PatientSourceID = in.PatientSourceID
	out.Service = in.Service
	out.AttendingPhysician = in.AttendingPhysician
	out.AdmissionDate = in.AdmissionDate
	out.Status = in.Status
	if out.DischargeDate == nil {
		out.DischargeDate = in.DischargeDate
	}
	return out
}

// SameAs reports whether the mutable fields match
func (s Stay) SameAs(o Stay) bool {
	return s.PatientID == o.PatientID &&
		s.Service == o.Service &&
		s.AttendingPhysician == o.AttendingPhysician &&
		s.Status == o.Status &&
		sameTime(s.AdmissionDate, o.AdmissionDate) &&
		sameTime(s.DischargeDate, o.DischargeDate)
}

// Watermark records the last successful synchronizer run.
type Watermark struct {
	LastSuccessAt    time.Time `json:"last_success_at"`
	PatientsUpserted int       `json:"patients_upserted"`
	StaysUpserted    int       `json:"stays_upserted"`
	CallsCreated     int       `json:"calls_created"`
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
