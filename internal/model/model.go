package model

import (
	"fmt"
	"strings"
	"time"
)

// ProviderKind selects the face provider backing a deployment.
type ProviderKind int

const (
	ProviderLocal ProviderKind = iota
	ProviderAzure
	ProviderFacePP
)

// String returns the configuration name of the provider.
func (k ProviderKind) String() string {
	switch k {
	case ProviderAzure:
		return "azure"
	case ProviderFacePP:
		return "facepp"
	case ProviderLocal:
		return "local"
	default:
		return fmt.Sprintf("provider(%d)", int(k))
	}
}

// ParseProviderKind maps a configuration value onto a ProviderKind.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "azure":
		return ProviderAzure, nil
	case "facepp", "face++", "faceplusplus":
		return ProviderFacePP, nil
	case "local", "":
		return ProviderLocal, nil
	}
	return ProviderLocal, fmt.Errorf("unknown face provider %q", s)
}

func (k ProviderKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ProviderKind) UnmarshalText(b []byte) error {
	parsed, err := ParseProviderKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// FaceRecord is one catalog entry.
type FaceRecord struct {
	ExternalID    string       `json:"-"`
	DisplayName   string       `json:"name"`
	Provider      ProviderKind `json:"provider"`
	ProviderToken string       `json:"providerToken"`
	RegisteredAt  time.Time    `json:"registeredAt"`
}

// Status of an attendance entry.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// AttendanceEvent is a single daily attendance mark.
type AttendanceEvent struct {
	ExternalID  string    `json:"-"`
	DisplayName string    `json:"name"`
	Time        time.Time `json:"time"`
	Confidence  float64   `json:"confidence"`
	Date        string    `json:"date"`
	Status      Status    `json:"status,omitempty"`
}

// DateLayout is the calendar date format used for partitions.
const DateLayout = "2006-01-02"

// CalendarDate returns the date-only key for t in loc.
func CalendarDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DateLayout)
}

// RegistrationResult is the normalized outcome of a provider registration.
type RegistrationResult struct {
	Success         bool         `json:"success"`
	ExternalID      string       `json:"external_id,omitempty"`
	DisplayName     string       `json:"name,omitempty"`
	Provider        ProviderKind `json:"provider"`
	ProviderToken   string       `json:"provider_token,omitempty"`
	TrainingPending bool         `json:"training_pending,omitempty"`
	PhotoURL        string       `json:"photo_url,omitempty"`
	FailureReason   string       `json:"failure_reason,omitempty"`
}

// RecognitionResult is the normalized outcome of a recognition attempt.
// Success=false means the attempt itself failed; Recognized=false with
// Success=true means no match was found.
type RecognitionResult struct {
	Success       bool         `json:"success"`
	Recognized    bool         `json:"recognized"`
	ExternalID    string       `json:"external_id,omitempty"`
	DisplayName   string       `json:"name,omitempty"`
	Provider      ProviderKind `json:"provider"`
	ProviderToken string       `json:"-"`
	Confidence    float64      `json:"confidence,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// Failure reasons reported in results.
const (
	ReasonNoFaceDetected = "no face detected"
	ReasonNotRecognized  = "face not recognized"
	ReasonNotEnrolled    = "identity not enrolled"
	ReasonLocalOnly      = "local provider is not configured for recognition"
)
