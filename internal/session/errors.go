package session

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionTerminal  = errors.New("session is in a terminal state")
	ErrInvalidExtension = errors.New("extension must be a positive number of minutes")
)
