package ingest

import (
	"context"
	"errors"
	"time"

	"fieldsense/internal/engine"
	"fieldsense/internal/model"
)

// Admitter is the admission entry point shared by every inbound surface.
type Admitter interface {
	Ingest(ctx context.Context, c model.Candidate) (engine.Admission, error)
}

// Ack is the per-event reply written back to streaming producers.
type Ack struct {
	Status     string `json:"status"`
	EventID    string `json:"event_id,omitempty"`
	ExistingID string `json:"existing_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

const ackError = "error"

func AckFor(adm engine.Admission, err error) Ack {
	if err != nil {
		return Ack{Status: ackError, Error: err.Error()}
	}
	if adm.Accepted() {
		return Ack{Status: string(adm.Status), EventID: adm.Event.ID}
	}
	return Ack{Status: string(adm.Status), ExistingID: adm.ExistingID, Reason: adm.Reason}
}

func Retryable(err error) bool {
	return errors.Is(err, model.ErrStoreUnavailable)
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d, max time.Duration) time.Duration {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	d *= 2
	if d > max {
		return max
	}
	return d
}
