package datatype

import (
	"errors"
	"testing"

	"github.com/org/healthpassport/pkg/models"
)

func TestValidate(t *testing.T) {
	for _, key := range All() {
		if err := Validate(key); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", key, err)
		}
	}

	for _, key := range []string{"", "medication", "MEDICATIONS", "dna_sequence"} {
		if err := Validate(key); !errors.Is(err, ErrInvalidDataType) {
			t.Errorf("Validate(%q) = %v, want ErrInvalidDataType", key, err)
		}
	}
}

func TestDefaultMode(t *testing.T) {
	tests := []struct {
		key  string
		want models.WriteMode
	}{
		{BasicProfile, models.ModeReplace},
		{Conditions, models.ModeReplace},
		{Medications, models.ModeAppend},
		{LabResults, models.ModeAppend},
		{SelfMetrics, models.ModeAppend},
		{ImagingMeta, models.ModeAppend},
	}
	for _, tt := range tests {
		mode, err := DefaultMode(tt.key)
		if err != nil {
			t.Fatalf("DefaultMode(%q): %v", tt.key, err)
		}
		if mode != tt.want {
			t.Errorf("DefaultMode(%q) = %q, want %q", tt.key, mode, tt.want)
		}
	}

	if _, err := DefaultMode("unknown"); !errors.Is(err, ErrInvalidDataType) {
		t.Errorf("DefaultMode(unknown) = %v, want ErrInvalidDataType", err)
	}
}
