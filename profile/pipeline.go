package profile

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/fujionclinical/smartlaunch/lib/fhirutil"
	"github.com/fujionclinical/smartlaunch/lib/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ErrFetch is returned when an authenticated FHIR read or search fails.
// Missing or malformed clinical data is not a fetch failure; it degrades to
// nil profile fields.
var ErrFetch = errors.New("clinical data fetch failed")

// AuthorizationResult holds the outcome of a successful token exchange.
// All pipeline fetches require it.
type AuthorizationResult struct {
	AccessToken string
	TokenType   string
	PatientID   string
	Expiry      time.Time
}

// Run is the context threaded through the pipeline's steps. Each step reads
// what earlier steps populated; there is no shared state outside of it.
type Run struct {
	Auth    AuthorizationResult
	Patient *fhir.Patient
	Profile *Profile
}

// Step is a single stage of the pipeline. A step that fails short-circuits
// the remaining steps.
type Step func(ctx context.Context, run *Run) error

// Pipeline fetches a patient's clinical data over an authenticated FHIR
// client and assembles a Profile. Steps execute strictly in order; a run can
// be repeated with the same authorization as long as the token is valid.
type Pipeline struct {
	client fhirclient.Client
	now    func() time.Time
}

func NewPipeline(client fhirclient.Client) *Pipeline {
	return &Pipeline{
		client: client,
		now:    time.Now,
	}
}

// Run executes the fetch chain. On failure the partially populated profile is
// returned along with the error; fields set by completed steps remain.
func (p *Pipeline) Run(ctx context.Context, auth AuthorizationResult) (*Profile, error) {
	run := &Run{
		Auth:    auth,
		Profile: New(),
	}
	steps := []Step{
		p.fetchPatient,
		p.fetchAsbestosExposure,
		p.fetchSmokingHistory,
	}
	for _, step := range steps {
		if err := step(ctx, run); err != nil {
			return run.Profile, err
		}
	}
	return run.Profile, nil
}

func (p *Pipeline) fetchPatient(ctx context.Context, run *Run) error {
	var patient fhir.Patient
	if err := p.client.ReadWithContext(ctx, "Patient/"+run.Auth.PatientID, &patient); err != nil {
		return fmt.Errorf("%w: read Patient/%s: %v", ErrFetch, run.Auth.PatientID, err)
	}
	run.Patient = &patient
	if patient.Gender != nil {
		if gender := patient.Gender.Code(); gender != "" {
			run.Profile.Sex = to.Ptr(strings.ToUpper(gender[:1]))
		}
	}
	if patient.BirthDate != nil {
		if birthDate, err := fhirutil.ParseInstant(*patient.BirthDate); err == nil {
			run.Profile.Age = to.Ptr(fhirutil.Years(birthDate, p.now()))
		}
	}
	return nil
}

func (p *Pipeline) fetchAsbestosExposure(ctx context.Context, run *Run) error {
	var bundle fhir.Bundle
	query := url.Values{"patient": {run.Auth.PatientID}}
	if err := p.client.SearchWithContext(ctx, "Condition", query, &bundle); err != nil {
		return fmt.Errorf("%w: search Condition: %v", ErrFetch, err)
	}
	if fhirutil.FindEntryByCode[fhir.Condition](bundle, CodeAsbestosExposure) != nil {
		run.Profile.AsbestosExposure = to.Ptr(true)
	}
	return nil
}

func (p *Pipeline) fetchSmokingHistory(ctx context.Context, run *Run) error {
	var bundle fhir.Bundle
	query := url.Values{
		"patient": {run.Auth.PatientID},
		"code":    {CodeSmokingStatus},
	}
	if err := p.client.SearchWithContext(ctx, "Observation", query, &bundle); err != nil {
		return fmt.Errorf("%w: search Observation: %v", ErrFetch, err)
	}
	observation := fhirutil.FindEntryByCode[fhir.Observation](bundle, CodeSmokingStatus)
	if observation == nil {
		// No smoking-status observation on record.
		return nil
	}

	if packsPerDay := fhirutil.QuantityValue(fhirutil.FindComponentByCode(observation.Component, CodePacksPerDay)); packsPerDay != nil {
		run.Profile.CigarettesPerDay = to.Ptr(*packsPerDay * 20)
	}

	var period fhir.Period
	if observation.EffectivePeriod != nil {
		period = *observation.EffectivePeriod
	}

	// The effective end of the smoking period: the period's end when the
	// patient quit, otherwise now.
	var end time.Time
	endValid := true
	if period.End != nil {
		run.Profile.QuitSmoking = to.Ptr(true)
		parsed, err := fhirutil.ParseInstant(*period.End)
		if err != nil {
			endValid = false
		} else {
			end = parsed
			run.Profile.YearsQuitSmoking = to.Ptr(fhirutil.Years(end, p.now()))
		}
	} else {
		run.Profile.QuitSmoking = to.Ptr(false)
		end = p.now()
	}

	if yearsSmoked := fhirutil.QuantityValue(fhirutil.FindComponentByCode(observation.Component, CodeYearsSmoking)); yearsSmoked != nil {
		run.Profile.YearsSmoked = yearsSmoked
	} else if period.Start != nil && endValid {
		if start, err := fhirutil.ParseInstant(*period.Start); err == nil {
			run.Profile.YearsSmoked = to.Ptr(float64(fhirutil.Years(start, end)))
		}
	}
	return nil
}
