package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates a malformed entity was passed to a store.
var ErrInvalidArgument = errors.New("repository: invalid argument")
