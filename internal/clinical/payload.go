// Package clinical defines the decrypted content of a medical record as a
// tagged variant and validates it against an embedded JSON Schema.
package clinical

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Kind discriminates the payload variants.
type Kind string

// Payload kinds.
const (
	KindDiagnosis    Kind = "diagnosis"
	KindPrescription Kind = "prescription"
	KindVitals       Kind = "vitals"
	KindComposite    Kind = "composite"
)

// MaxNoteLength bounds free-text content.
const MaxNoteLength = 10000

// ErrEmptyPayload is returned for blank input.
var ErrEmptyPayload = errors.New("clinical payload is empty")

// Payload is one of Diagnosis, Prescription, VitalsObservation or CompositeEntry.
type Payload interface {
	Kind() Kind
	sealed()
}

// Diagnosis records a single assessed condition.
type Diagnosis struct {
	Condition string `json:"condition"`
	ICD10     string `json:"icd10,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Prescription records a medication order.
type Prescription struct {
	Medication   string `json:"medication"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency,omitempty"`
	DurationDays *int   `json:"durationDays,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// VitalsObservation records measured vital signs. All fields are optional but
// at least one measurement must be present.
type VitalsObservation struct {
	SystolicBP       *int       `json:"systolicBp,omitempty"`
	DiastolicBP      *int       `json:"diastolicBp,omitempty"`
	HeartRate        *int       `json:"heartRate,omitempty"`
	RespiratoryRate  *int       `json:"respiratoryRate,omitempty"`
	TemperatureC     *float64   `json:"temperatureC,omitempty"`
	OxygenSaturation *int       `json:"oxygenSaturation,omitempty"`
	WeightKg         *float64   `json:"weightKg,omitempty"`
	ObservedAt       *time.Time `json:"observedAt,omitempty"`
}

// CompositeEntry groups several findings of one encounter. Free-text content
// parses into a CompositeEntry holding only Notes.
type CompositeEntry struct {
	Notes         string             `json:"notes,omitempty"`
	Diagnoses     []Diagnosis        `json:"diagnoses,omitempty"`
	Prescriptions []Prescription     `json:"prescriptions,omitempty"`
	Vitals        *VitalsObservation `json:"vitals,omitempty"`
	Allergies     []string           `json:"allergies,omitempty"`
}

func (Diagnosis) Kind() Kind         { return KindDiagnosis }
func (Prescription) Kind() Kind      { return KindPrescription }
func (VitalsObservation) Kind() Kind { return KindVitals }
func (CompositeEntry) Kind() Kind    { return KindComposite }

func (Diagnosis) sealed()         {}
func (Prescription) sealed()      {}
func (VitalsObservation) sealed() {}
func (CompositeEntry) sealed()    {}

// FieldError is one schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every schema violation found in a payload.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return "invalid clinical payload: " + strings.Join(parts, "; ")
}

//go:embed schema.json
var schemaJSON []byte

var schema *gojsonschema.Schema

func init() {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("clinical: invalid embedded schema: %v", err))
	}
	schema = s
}

// Parse validates plaintext and decodes it into its variant. Input that is not
// a JSON object is treated as a free-text note.
func Parse(plaintext []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(plaintext)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}
	if trimmed[0] != '{' {
		if len(trimmed) > MaxNoteLength {
			return nil, &ValidationError{Details: []FieldError{{Field: "notes", Message: "String length must be less than or equal to 10000"}}}
		}
		return CompositeEntry{Notes: string(trimmed)}, nil
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return nil, &ValidationError{Details: []FieldError{{Field: "(root)", Message: "payload is not valid JSON"}}}
	}
	if !result.Valid() {
		details := make([]FieldError, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, FieldError{Field: e.Field(), Message: e.Description()})
		}
		return nil, &ValidationError{Details: details}
	}

	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("failed to decode payload kind: %w", err)
	}

	var p Payload
	switch head.Kind {
	case KindDiagnosis:
		var d Diagnosis
		err = json.Unmarshal(trimmed, &d)
		p = d
	case KindPrescription:
		var rx Prescription
		err = json.Unmarshal(trimmed, &rx)
		p = rx
	case KindVitals:
		var v VitalsObservation
		err = json.Unmarshal(trimmed, &v)
		if err == nil && !v.hasMeasurement() {
			return nil, &ValidationError{Details: []FieldError{{Field: "(root)", Message: "at least one measurement is required"}}}
		}
		p = v
	default:
		var c CompositeEntry
		err = json.Unmarshal(trimmed, &c)
		if err == nil && c.Vitals != nil && !c.Vitals.hasMeasurement() {
			return nil, &ValidationError{Details: []FieldError{{Field: "vitals", Message: "at least one measurement is required"}}}
		}
		p = c
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", head.Kind, err)
	}
	return p, nil
}

// Marshal encodes p with its kind discriminator.
func Marshal(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	kind, _ := json.Marshal(p.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// Summary renders a one-line human description of p.
func Summary(p Payload) string {
	switch v := p.(type) {
	case Diagnosis:
		if v.ICD10 != "" {
			return fmt.Sprintf("Diagnosis: %s (%s)", v.Condition, v.ICD10)
		}
		return "Diagnosis: " + v.Condition
	case Prescription:
		s := fmt.Sprintf("Prescription: %s %s", v.Medication, v.Dosage)
		if v.Frequency != "" {
			s += ", " + v.Frequency
		}
		return s
	case VitalsObservation:
		var parts []string
		if v.SystolicBP != nil && v.DiastolicBP != nil {
			parts = append(parts, fmt.Sprintf("BP %d/%d", *v.SystolicBP, *v.DiastolicBP))
		}
		if v.HeartRate != nil {
			parts = append(parts, fmt.Sprintf("HR %d", *v.HeartRate))
		}
		if v.TemperatureC != nil {
			parts = append(parts, fmt.Sprintf("T %.1fC", *v.TemperatureC))
		}
		if v.OxygenSaturation != nil {
			parts = append(parts, fmt.Sprintf("SpO2 %d%%", *v.OxygenSaturation))
		}
		if len(parts) == 0 {
			return "Vitals"
		}
		return "Vitals: " + strings.Join(parts, ", ")
	case CompositeEntry:
		if v.Notes != "" && len(v.Diagnoses) == 0 && len(v.Prescriptions) == 0 && v.Vitals == nil {
			return v.Notes
		}
		return fmt.Sprintf("Encounter: %d diagnoses, %d prescriptions", len(v.Diagnoses), len(v.Prescriptions))
	}
	return ""
}

func (v VitalsObservation) hasMeasurement() bool {
	return v.SystolicBP != nil || v.DiastolicBP != nil || v.HeartRate != nil ||
		v.RespiratoryRate != nil || v.TemperatureC != nil || v.OxygenSaturation != nil ||
		v.WeightKg != nil
}
