package service

import (
	"errors"

	"storefront-service/internal/store"
)

// Errors returned by the services. Callers classify them with errors.Is;
// the wrapped message carries the detail shown to users.
var (
	ErrNotFound          = store.ErrNotFound
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid state")
	ErrUnauthorized      = errors.New("not authorized")
	ErrValidation        = errors.New("validation error")
)
