package domain

import (
	"errors"
	"fmt"
)

// ErrMosaicFull is returned by the assigner when every tile has been consumed.
// It is terminal until a new grid is installed.
var ErrMosaicFull = errors.New("mosaic full: all tiles assigned")

// ErrNoUnusedPhotos indicates the pending queue is empty. Not an error in the
// failure sense; drivers return it so callers can distinguish "nothing to do"
// from a transient store fault.
var ErrNoUnusedPhotos = errors.New("no unused photos")

// ErrGridNotInstalled indicates an operation that requires a grid ran before
// a main image was configured.
var ErrGridNotInstalled = errors.New("grid not installed")

// InvalidGridRequestError reports grid computation inputs that can never
// produce a valid grid. Non-retryable; rejected at the call site.
type InvalidGridRequestError struct {
	TargetTiles int
	Width       int
	Height      int
}

func (e InvalidGridRequestError) Error() string {
	return fmt.Sprintf("invalid grid request: target=%d canvas=%dx%d", e.TargetTiles, e.Width, e.Height)
}

// NotFoundError indicates a record lookup missed.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// ConflictError indicates a conditional write lost: the record was already
// claimed or committed by another writer.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %q conflict: %s", e.Entity, e.ID, e.Reason)
}

// StaleAssignmentError reports a restored photo whose committed tile index
// falls outside the current grid (the grid changed since the commit). Skipped
// with a warning during restoration, never fatal.
type StaleAssignmentError struct {
	PhotoID    string
	TileIndex  int
	TotalTiles int
}

func (e StaleAssignmentError) Error() string {
	return fmt.Sprintf("stale assignment: photo %q tile %d outside grid of %d tiles", e.PhotoID, e.TileIndex, e.TotalTiles)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var ne NotFoundError
	return errors.As(err, &ne)
}
