package types

import "errors"

// Shared sentinel errors used across component boundaries.
var ErrSessionNotFound = errors.New("session not found")
