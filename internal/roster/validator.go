package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"proctor/pkg/types"
)

// rosterFile is the on-disk roster format:
//
//	{"validClasses": ["11A"], "students": {"11A": ["Ivan Petrov"]}}
type rosterFile struct {
	ValidClasses []string            `json:"validClasses"`
	Students     map[string][]string `json:"students"`
}

// Validator answers name/class validation against a class roster file.
type Validator struct {
	path string

	mu      sync.RWMutex
	classes *rosterFile
}

// NewValidator creates a validator for the roster at path. The roster is
// loaded lazily on first use so a missing file surfaces as a validation
// error, not a startup crash.
func NewValidator(path string) *Validator {
	return &Validator{path: path}
}

// Reload re-reads the roster file, replacing the cached copy.
func (v *Validator) Reload(ctx context.Context) error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("failed to read roster %s: %w", v.path, err)
	}

	var file rosterFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse roster %s: %w", v.path, err)
	}

	v.mu.Lock()
	v.classes = &file
	v.mu.Unlock()

	log.Printf("Loaded roster: classes=%d", len(file.ValidClasses))
	return nil
}

// Validate checks class existence, name format and class membership.
func (v *Validator) Validate(ctx context.Context, studentName, studentClass string) (*types.RosterResult, error) {
	v.mu.RLock()
	classes := v.classes
	v.mu.RUnlock()

	if classes == nil {
		if err := v.Reload(ctx); err != nil {
			return nil, err
		}
		v.mu.RLock()
		classes = v.classes
		v.mu.RUnlock()
	}

	if !containsFold(classes.ValidClasses, studentClass) {
		return &types.RosterResult{
			Valid:   false,
			Reason:  types.RosterInvalidClass,
			Message: fmt.Sprintf("Class %q is not valid. Valid classes: %s", studentClass, strings.Join(classes.ValidClasses, ", ")),
		}, nil
	}

	if !types.IsValidStudentName(studentName) {
		return &types.RosterResult{
			Valid:   false,
			Reason:  types.RosterInvalidStudent,
			Message: "Student name must contain only letters and spaces",
		}, nil
	}

	if !containsFold(classes.Students[types.NormalizeClass(studentClass)], studentName) {
		return &types.RosterResult{
			Valid:   false,
			Reason:  types.RosterStudentNotInClass,
			Message: fmt.Sprintf("Student %q is not enrolled in class %q", studentName, studentClass),
		}, nil
	}

	return &types.RosterResult{
		Valid:   true,
		Reason:  types.RosterValid,
		Message: "Valid student",
	}, nil
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}
