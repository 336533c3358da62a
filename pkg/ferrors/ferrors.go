// Package ferrors classifies failures from external collaborators
// (ProviderClient, Store, DemandOracle) into the taxonomy the control loop
// reacts to: transient (retry), permanent (treat as success), fatal
// (surface and skip the action).
package ferrors

import (
	"errors"
	"fmt"
)

// Transient wraps an error that may succeed on retry (network timeout, 5xx).
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// NewTransient wraps err as a Transient failure for operation op.
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Op: op, Err: err}
}

// Permanent wraps an error that should be treated as a no-op success (e.g.
// a 404 on TerminatePod: the pod is already gone).
type Permanent struct {
	Op  string
	Err error
}

func (e *Permanent) Error() string { return fmt.Sprintf("%s: permanent: %v", e.Op, e.Err) }
func (e *Permanent) Unwrap() error { return e.Err }

// NewPermanent wraps err as a Permanent (already-succeeded) failure.
func NewPermanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Op: op, Err: err}
}

// Fatal wraps an error that must be surfaced to the ControlLoop, which
// skips the action for the current cycle (e.g. auth failure).
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }

// NewFatal wraps err as a Fatal failure.
func NewFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{Op: op, Err: err}
}

// IsTransient reports whether err (or any error it wraps) is a Transient failure.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// IsPermanent reports whether err (or any error it wraps) is a Permanent failure.
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}

// IsFatal reports whether err (or any error it wraps) is a Fatal failure.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
