// Package contendererrors contains generic errors returned by scenario engines
// and the workload runner. Callers are expected to recover the concrete type
// with errors.As to decide whether a failure is a usage error (invalid config,
// wrong lifecycle state) or something operational.
//
// If multiple errors occur in some function (e.g., if several namespaces fail
// validation), that function should return an error of type multierror.Error
// from package github.com/hashicorp/go-multierror that encapsulates those
// individual errors.
package contendererrors

import (
	"fmt"
)

// ErrAlreadyRunning is returned when starting a scenario that is already
// active, or when registering a namespace that is already being driven.
// Namespace is optional and omitted from the error message if not provided.
type ErrAlreadyRunning struct {
	Scenario  string // Scenario name, e.g., "mix" or "hotindex"
	Namespace string // Optional namespace the conflict applies to
}

func (err *ErrAlreadyRunning) Error() (s string) {
	if err.Namespace != "" {
		s = fmt.Sprintf("scenario %q is already running for namespace %q", err.Scenario, err.Namespace)
	} else {
		s = fmt.Sprintf("scenario %q is already running", err.Scenario)
	}
	return
}

// ErrNotRunning is returned by operations that require an active run,
// e.g., updating rates or starting an A/B comparison on a stopped engine.
// See ErrAlreadyRunning for more info.
type ErrNotRunning struct {
	Scenario  string
	Namespace string
}

func (err *ErrNotRunning) Error() (s string) {
	if err.Namespace != "" {
		s = fmt.Sprintf("scenario %q is not running for namespace %q", err.Scenario, err.Namespace)
	} else {
		s = fmt.Sprintf("scenario %q is not running", err.Scenario)
	}
	return
}

// ErrInvalidConfig is a generic error to be returned on invalid scenario
// configuration. Message is optional and is omitted from the error message
// if not provided.
type ErrInvalidConfig struct {
	Name    string      // Name of the field referred to, e.g., "concurrency"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidConfig) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}
