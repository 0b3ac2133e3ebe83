package pipeline

import (
	"errors"

	"synthtune/internal/worker"
)

var (
	ErrInvalidArchive  = errors.New("dataset is not a valid zip archive")
	ErrUnsafeArchive   = errors.New("dataset archive contains unsafe entry paths")
	ErrArchiveTooLarge = errors.New("dataset archive exceeds extraction limits")
	ErrNoTrainingData  = errors.New("dataset contains no usable training data")
	ErrInvalidParams   = errors.New("epochs and batch_size must be positive integers")
	// ErrCollaborator wraps fine-tune and generate failures of the model handler.
	ErrCollaborator = errors.New("model handler failed")
	ErrBusy         = errors.New("server is busy, retry later")
)

const internalMessage = "internal error"

// ClientMessage returns the part of err that is safe to show a client.
// Unclassified errors collapse to a generic message.
func ClientMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArchive):
		return ErrInvalidArchive.Error()
	case errors.Is(err, ErrUnsafeArchive):
		return ErrUnsafeArchive.Error()
	case errors.Is(err, ErrArchiveTooLarge):
		return ErrArchiveTooLarge.Error()
	case errors.Is(err, ErrNoTrainingData):
		return ErrNoTrainingData.Error()
	case errors.Is(err, ErrInvalidParams):
		return ErrInvalidParams.Error()
	case errors.Is(err, ErrBusy), errors.Is(err, worker.ErrDispatcherBusy):
		return ErrBusy.Error()
	case errors.Is(err, ErrCollaborator):
		return ErrCollaborator.Error()
	default:
		return internalMessage
	}
}
