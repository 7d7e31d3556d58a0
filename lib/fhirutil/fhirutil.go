// Package fhirutil contains small helpers for digging clinical facts out of
// FHIR resources: coding lookups in search bundles and observation components,
// and the year arithmetic used for ages and smoking durations.
package fhirutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ErrParse is returned when a value cannot be interpreted as an instant.
var ErrParse = errors.New("value is not a date or epoch-millis number")

// millisPerYear is a fixed 365-day year. Leap years are deliberately ignored;
// downstream age and duration consumers depend on this exact rounding.
const millisPerYear = 365 * 24 * 60 * 60 * 1000

// MatchesConcept reports whether the concept contains a coding that exactly
// matches the compound "system|code" identifier.
func MatchesConcept(concept *fhir.CodeableConcept, compound string) bool {
	if concept == nil {
		return false
	}
	system, code, found := strings.Cut(compound, "|")
	if !found {
		return false
	}
	for _, coding := range concept.Coding {
		if coding.System != nil && *coding.System == system && coding.Code != nil && *coding.Code == code {
			return true
		}
	}
	return false
}

// codedResource is the minimal view needed to inspect a bundle entry's code.
type codedResource struct {
	Code *fhir.CodeableConcept `json:"code"`
}

// FindEntryByCode returns the first bundle entry whose resource carries a
// coding matching the compound "system|code" identifier, unmarshalled as T.
// Entries are inspected in bundle order; the first match wins. Nil when no
// entry matches.
func FindEntryByCode[T any](bundle fhir.Bundle, compound string) *T {
	for _, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}
		var coded codedResource
		if err := json.Unmarshal(entry.Resource, &coded); err != nil {
			continue
		}
		if !MatchesConcept(coded.Code, compound) {
			continue
		}
		var resource T
		if err := json.Unmarshal(entry.Resource, &resource); err != nil {
			continue
		}
		return &resource
	}
	return nil
}

// FindComponentByCode returns the first observation component whose code
// matches the compound "system|code" identifier, or nil.
func FindComponentByCode(components []fhir.ObservationComponent, compound string) *fhir.ObservationComponent {
	for i := range components {
		if MatchesConcept(&components[i].Code, compound) {
			return &components[i]
		}
	}
	return nil
}

// QuantityValue returns the numeric value of a component's quantity, or nil
// when the component or its value is absent or malformed.
func QuantityValue(component *fhir.ObservationComponent) *float64 {
	if component == nil || component.ValueQuantity == nil || component.ValueQuantity.Value == nil {
		return nil
	}
	value := *component.ValueQuantity.Value
	return &value
}

// ParseInstant interprets s as an RFC3339 timestamp, an ISO date, or an
// epoch-millis number.
func ParseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(millis), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrParse, s)
}

// Years returns the whole number of fixed 365-day years between two instants,
// rounded down. The order of the arguments does not matter.
func Years(t1, t2 time.Time) int {
	millis := t2.UnixMilli() - t1.UnixMilli()
	if millis < 0 {
		millis = -millis
	}
	return int(millis / millisPerYear)
}

// YearsBetween parses both instants and returns their whole-year difference,
// or nil when either value does not parse.
func YearsBetween(from string, until string) *int {
	t1, err := ParseInstant(from)
	if err != nil {
		return nil
	}
	t2, err := ParseInstant(until)
	if err != nil {
		return nil
	}
	years := Years(t1, t2)
	return &years
}
