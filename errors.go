package fieldsync

import (
	"errors"
	"fmt"
)

// Common errors returned by fieldsync operations.
var (
	// ErrStoreClosed is returned when operating on a closed local store.
	ErrStoreClosed = errors.New("local store is closed")

	// ErrInvalidExperiment is returned for experiment names that cannot
	// be used as table or collection identifiers.
	ErrInvalidExperiment = errors.New("invalid experiment name")

	// ErrSealedCredentials is returned when a credentials file is sealed
	// and no passphrase was supplied.
	ErrSealedCredentials = errors.New("credentials file is sealed")

	// ErrBadPassphrase is returned when a sealed credentials file cannot
	// be opened with the supplied passphrase.
	ErrBadPassphrase = errors.New("wrong passphrase or corrupted credentials file")

	// ErrSchedulerRunning is returned when starting a scheduler twice.
	ErrSchedulerRunning = errors.New("scheduler already running")
)

// CloudStoreError describes a failed cloud document store request.
type CloudStoreError struct {
	// Op is the failing operation: "bulk-insert", "update-labels" or
	// "last-timestamps".
	Op string

	// Experiment is the cloud-facing collection name, when the operation
	// targets one.
	Experiment string

	// StatusCode is the HTTP status the store answered with, or zero when
	// the request never completed.
	StatusCode int

	Message string
	Cause   error
}

func (e *CloudStoreError) Error() string {
	target := e.Op
	if e.Experiment != "" {
		target = fmt.Sprintf("%s [%s]", e.Op, e.Experiment)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("cloud store %s failed: status %d: %s", target, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("cloud store %s failed: %v", target, e.Cause)
	}
	return fmt.Sprintf("cloud store %s failed: %s", target, e.Message)
}

func (e *CloudStoreError) Unwrap() error {
	return e.Cause
}

// UploadError wraps a failure while replicating a single experiment. The
// replicator logs these and moves on to the next experiment, so one broken
// experiment never blocks its peers.
type UploadError struct {
	// Experiment is the local table name, including the data suffix.
	Experiment string

	// Stage names the step that failed: "stream", "insert", "archive" or
	// "labels".
	Stage string

	Cause error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed at %s: %v", e.Experiment, e.Stage, e.Cause)
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

func newUploadError(experiment, stage string, cause error) *UploadError {
	return &UploadError{Experiment: experiment, Stage: stage, Cause: cause}
}
