package job

import "errors"

// ErrCanceled is returned by handlers that stop because the job was canceled.
var ErrCanceled = errors.New("job canceled")

// Class labels how the runner treats a handler failure.
type Class string

const (
	// ClassTransient failures are retried with backoff until attempts run out.
	ClassTransient Class = "transient"
	// ClassPermanent failures end the job immediately.
	ClassPermanent Class = "permanent"
	// ClassInfrastructure failures are not attributed to any job.
	ClassInfrastructure Class = "infrastructure"
	// ClassCanceled marks cooperative cancellation.
	ClassCanceled Class = "canceled"
)

// TransientError wraps a failure worth retrying (timeouts, 429, 5xx, lost lease races).
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + errString(e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that will not succeed on retry (bad payload, blocked URL).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + errString(e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// InfrastructureError wraps a failure of the runner's own dependencies, such as the store.
type InfrastructureError struct{ Err error }

func (e *InfrastructureError) Error() string { return "infrastructure: " + errString(e.Err) }
func (e *InfrastructureError) Unwrap() error { return e.Err }

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as terminal. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Infrastructure marks err as a runner dependency failure. A nil err stays nil.
func Infrastructure(err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Err: err}
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsInfrastructure reports whether err carries an InfrastructureError.
func IsInfrastructure(err error) bool {
	var i *InfrastructureError
	return errors.As(err, &i)
}

// Classify maps a handler error to the runner's outcome class. The outermost
// marker wins, so Permanent(Transient(err)) is permanent. Unmarked errors,
// including deadline overruns, are transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCanceled) {
		return ClassCanceled
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *PermanentError:
			return ClassPermanent
		case *TransientError:
			return ClassTransient
		case *InfrastructureError:
			return ClassInfrastructure
		}
	}
	return ClassTransient
}
