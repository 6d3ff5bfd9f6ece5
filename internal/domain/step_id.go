package domain

import (
	"fmt"
	"regexp"
)

// StepID identifies a step within a plan.
// This is a value object that enforces valid ID formats.
type StepID string

var (
	// stepIDPattern allows planner-style IDs such as E1, scan_ports or fetch-2.
	stepIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

	maxStepIDLength = 64
)

// NewStepID creates a new StepID value object with validation
func NewStepID(value string) (StepID, error) {
	id := StepID(value)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks if the step ID is valid
func (s StepID) Validate() error {
	v := string(s)

	if v == "" {
		return fmt.Errorf("step ID cannot be empty")
	}

	if len(v) > maxStepIDLength {
		return fmt.Errorf("step ID %q exceeds maximum length of %d characters", v, maxStepIDLength)
	}

	if !stepIDPattern.MatchString(v) {
		return fmt.Errorf("step ID %q must start with a letter and contain only letters, digits, '_' or '-'", v)
	}

	return nil
}

// String returns the string representation
func (s StepID) String() string {
	return string(s)
}
