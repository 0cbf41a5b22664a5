package store

import "errors"

var (
	ErrStoreClosed  = errors.New("session store is closed")
	ErrWriteTimeout = errors.New("session store write timed out")
)
