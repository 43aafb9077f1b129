package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Common domain errors
	ErrNotFound         = errors.New("entity not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyQueued    = errors.New("training already queued or running for this asset and model")
	ErrCooldownActive   = errors.New("training cooldown active")
	ErrShuttingDown     = errors.New("scheduler is shutting down")
	ErrEmergencyStopped = errors.New("scheduler is emergency stopped")
	ErrJobNotFound      = errors.New("training job not found")
	ErrNoTrainedWeights = errors.New("no trained weights stored")
	ErrRecordInvalid    = errors.New("asset record failed verification")
	ErrStoreClosed      = errors.New("asset store is closed")
)

// AdmissionError explains why the scheduler refused a training request.
// RetryAfter is zero when waiting would not help (duplicates).
type AdmissionError struct {
	Asset      string
	Model      string
	Reason     error
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("training refused for %s/%s: %v (retry in %s)", e.Asset, e.Model, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("training refused for %s/%s: %v", e.Asset, e.Model, e.Reason)
}

func (e *AdmissionError) Unwrap() error { return e.Reason }

// WeightExtractionError marks a failed tensor extraction. Persistence is
// all-or-nothing: one bad tensor aborts the whole snapshot.
type WeightExtractionError struct {
	Model  string
	Tensor string
	Cause  error
}

func (e *WeightExtractionError) Error() string {
	return fmt.Sprintf("weight extraction failed for model %s (tensor %s): %v", e.Model, e.Tensor, e.Cause)
}

func (e *WeightExtractionError) Unwrap() error { return e.Cause }
