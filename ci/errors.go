package ci

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to Initiator callers and Responder handlers, kept
// next to the message types they relate to the way smpp/pdu/errors.go
// keeps SMPP command-status constants next to its PDU definitions.
var (
	ErrTimeout                  = errors.New("ci: request timed out")
	ErrTooManyInFlight          = errors.New("ci: too many requests in flight for device")
	ErrMalformedReply           = errors.New("ci: malformed reply")
	ErrResourceNotFound         = errors.New("ci: resource not found")
	ErrReadOnly                 = errors.New("ci: resource is read-only")
	ErrInvalidData              = errors.New("ci: invalid data")
	ErrSubscriptionNotSupported = errors.New("ci: resource does not support subscription")
	ErrPipelineConditionNotMet  = errors.New("ci: pipeline condition not met")
	ErrBatchStopped             = errors.New("ci: batch stopped after first failure")
)

// DeviceNotFoundError reports that a destination resolver found no
// matching device for a MUID.
type DeviceNotFoundError struct {
	MUID MUID
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("ci: device not found: %s", e.MUID)
}

// TransportError wraps a failure from the underlying transport.
type TransportError struct {
	Underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ci: transport error: %v", e.Underlying)
}

func (e *TransportError) Unwrap() error { return e.Underlying }

// StatusError reports a non-2xx PE response status from a Responder.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ci: pe status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("ci: pe status %d", e.Status)
}

// PayloadValidationError reports that a pre-send validator rejected a
// batch SET item.
type PayloadValidationError struct {
	Detail string
}

func (e *PayloadValidationError) Error() string {
	return fmt.Sprintf("ci: payload validation failed: %s", e.Detail)
}

// PipelineTransformError wraps a failure raised by a pipeline transform
// step.
type PipelineTransformError struct {
	Underlying error
}

func (e *PipelineTransformError) Error() string {
	return fmt.Sprintf("ci: pipeline transform failed: %v", e.Underlying)
}

func (e *PipelineTransformError) Unwrap() error { return e.Underlying }
