package interfaces

import (
	"context"

	"proctor/pkg/types"
)

// RosterValidator is the name/class validation collaborator.
type RosterValidator interface {
	// Validate checks that the class exists, the name is well-formed and the
	// student is enrolled in the class. Rejections come back as a result,
	// not an error; errors mean the roster itself could not be consulted.
	Validate(ctx context.Context, studentName, studentClass string) (*types.RosterResult, error)
}
