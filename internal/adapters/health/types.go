package health

import "time"

// PatientRecord is a patient as the source system reports it
type PatientRecord struct {
	SourceID     string     `json:"source_id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	BirthDate    *time.Time `json:"birth_date,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	LastModified time.Time  `json:"last_modified"`
}

// StayRecord is one hospitalization episode
type StayRecord struct {
	SourceID           string     `json:"source_id"`
	PatientSourceID    string     `json:"patient_source_id"`
	Service            string     `json:"service"`
	AttendingPhysician string     `json:"attending_physician,omitempty"`
	AdmissionDate      *time.Time `json:"admission_date,omitempty"`
	DischargeDate      *time.Time `json:"discharge_date,omitempty"`
	Status             string     `json:"status"`
	LastModified       time.Time  `json:"last_modified"`
}

// Config holds common configuration for source adapters
type Config struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	Encrypt         bool
	// InstitutionName tags adapter logs so multi-hospital deployments can
	// tell sources apart.
	InstitutionName string

	// BatchSize is the page size for changed-record sequences
	BatchSize int
	// PagesPerSecond paces page fetches; 0 disables pacing
	PagesPerSecond float64

	MaxOpenConns int
	MaxIdleConns int
}

// DefaultConfig returns default adapter configuration
func DefaultConfig() Config {
	return Config{
		Port:           1433, // SQL Server default
		BatchSize:      1000,
		PagesPerSecond: 5,
		MaxOpenConns:   4,
		MaxIdleConns:   2,
	}
}
