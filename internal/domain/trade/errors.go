package trade

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("trade not found")
	ErrInvalidTerms           = errors.New("invalid trade terms")
	ErrInvalidMessage         = errors.New("invalid message")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrUnauthorizedActor      = errors.New("unauthorized actor")
	ErrMissingEvidence        = errors.New("missing payment evidence")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDeliveryDegraded       = errors.New("event delivery degraded")
	ErrTimeout                = errors.New("timeout")
	ErrCancelled              = errors.New("cancelled")
)

// ClassifyInfra maps context failures surfacing from store or bus I/O onto
// ErrTimeout and ErrCancelled. Other errors are returned unchanged.
func ClassifyInfra(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCancelled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	default:
		return err
	}
}
