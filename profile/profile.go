// Package profile assembles a patient's clinical risk profile from a FHIR
// server through an ordered chain of authenticated fetches.
package profile

// Clinical codes read by the pipeline, as compound "system|code" identifiers.
const (
	CodeSmokingStatus    = "http://loinc.org|72166-2"
	CodePacksPerDay      = "http://loinc.org|8663-7"
	CodeYearsSmoking     = "http://loinc.org|88029-4"
	CodeAsbestosExposure = "urn:oid:2.16.840.1.113883.6.90|Z77.090"
)

// Profile is the aggregation target of the pipeline. Every field except
// Healthy is independently optional: absence of supporting clinical data
// leaves it nil rather than guessing a default.
type Profile struct {
	// Age in whole years, derived from the patient's birth date.
	Age *int `json:"age"`
	// AsbestosExposure is true when a matching Condition was found. Absence
	// of such a condition is not proof of absence, so it never becomes false.
	AsbestosExposure *bool `json:"asbestos"`
	// CigarettesPerDay is derived from the packs-per-day component.
	CigarettesPerDay *float64 `json:"cigs_per_day"`
	Healthy          bool     `json:"healthy"`
	QuitSmoking      *bool    `json:"quit_smoking"`
	// Sex is the first letter of the patient's gender, uppercased.
	Sex              *string  `json:"sex"`
	YearsQuitSmoking *int     `json:"years_quit"`
	YearsSmoked      *float64 `json:"years_smoked"`
}

// New returns an empty profile. Healthy defaults to true.
func New() *Profile {
	return &Profile{Healthy: true}
}
