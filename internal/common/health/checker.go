package health

import (
	"errors"
	"sync/atomic"
)

// Checker is implemented by anything that can report whether it is healthy.
type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until MarkComplete is called,
// so that load balancers do not route to an instance still starting up.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (checker *StartupCompleteChecker) Check() error {
	if checker.complete.Load() {
		return nil
	}
	return errors.New("startup not complete")
}

func (checker *StartupCompleteChecker) MarkComplete() {
	checker.complete.Store(true)
}
