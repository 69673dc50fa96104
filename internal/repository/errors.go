package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no product exists at the requested id.
	ErrNotFound = errors.New("product not found")
	// ErrCodeExists is matched by every *CodeExistsError.
	ErrCodeExists = errors.New("product code already exists")
	// ErrConflict means an update kept losing to concurrent updates of the
	// same product and gave up.
	ErrConflict = errors.New("product modified concurrently")
)

// CodeExistsError reports a uniqueness violation and the id of the product
// that already owns the code.
type CodeExistsError struct {
	Code       string
	ExistingID string
}

func (e *CodeExistsError) Error() string {
	return fmt.Sprintf("product code %q already exists on %s", e.Code, e.ExistingID)
}

func (e *CodeExistsError) Unwrap() error { return ErrCodeExists }
