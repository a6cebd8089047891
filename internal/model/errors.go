package model

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrInvalidTimeRange = errors.New("invalid time range")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrNotEnoughData    = errors.New("not enough data")
	ErrAnalysisTimeout  = errors.New("analysis timed out")
	ErrUnknownAnalysis  = errors.New("unknown analysis kind")
	ErrUnknownField     = errors.New("unknown target field")
	ErrNotFound         = errors.New("not found")
)

// NotEnoughDataError carries the minimum sample count an analysis needs.
type NotEnoughDataError struct {
	Kind     string
	Required int
	Got      int
}

func (e *NotEnoughDataError) Error() string {
	return fmt.Sprintf("not enough data for %s: need at least %d points, got %d", e.Kind, e.Required, e.Got)
}

func (e *NotEnoughDataError) Is(target error) bool {
	return target == ErrNotEnoughData
}

// Unavailable marks a storage failure so callers can branch on ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
