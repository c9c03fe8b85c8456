package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidState is returned on an illegal prompt-update transition,
// e.g. applying a proposal that is not approved.
var ErrInvalidState = errors.New("storage: invalid state transition")
