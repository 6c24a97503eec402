package datatype

import (
	"errors"

	"github.com/org/healthpassport/pkg/models"
)

// ErrInvalidDataType is returned when a data type is empty or not part of
// the recognized vocabulary. Unrecognized keys are rejected at the
// boundary, never silently stored.
var ErrInvalidDataType = errors.New("invalid data type")

// Recognized data type keys, v1 vocabulary.
const (
	BasicProfile = "basic_profile"
	Medications  = "medications"
	LabResults   = "lab_results"
	Conditions   = "conditions"
	SelfMetrics  = "self_metrics"
	ImagingMeta  = "imaging_meta"
)

// defaultModes maps each recognized type to its default write mode.
// Snapshot-shaped types replace their latest state; cumulative logs append.
var defaultModes = map[string]models.WriteMode{
	BasicProfile: models.ModeReplace,
	Conditions:   models.ModeReplace,
	Medications:  models.ModeAppend,
	LabResults:   models.ModeAppend,
	SelfMetrics:  models.ModeAppend,
	ImagingMeta:  models.ModeAppend,
}

// IsRecognized reports whether key is part of the vocabulary.
func IsRecognized(key string) bool {
	_, ok := defaultModes[key]
	return ok
}

// Validate returns ErrInvalidDataType unless key is recognized.
func Validate(key string) error {
	if key == "" || !IsRecognized(key) {
		return ErrInvalidDataType
	}
	return nil
}

// DefaultMode returns the documented default write mode for key.
func DefaultMode(key string) (models.WriteMode, error) {
	mode, ok := defaultModes[key]
	if !ok {
		return "", ErrInvalidDataType
	}
	return mode, nil
}

// All returns the recognized vocabulary. The slice is a copy.
func All() []string {
	return []string{BasicProfile, Medications, LabResults, Conditions, SelfMetrics, ImagingMeta}
}
