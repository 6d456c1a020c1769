package contendererrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrAlreadyRunning(t *testing.T) {
	err := &ErrAlreadyRunning{Scenario: "mix"}
	assert.Equal(t, `scenario "mix" is already running`, err.Error())

	err = &ErrAlreadyRunning{Scenario: "mix", Namespace: "orders"}
	assert.Equal(t, `scenario "mix" is already running for namespace "orders"`, err.Error())
}

func TestErrNotRunning(t *testing.T) {
	err := &ErrNotRunning{Scenario: "hotindex"}
	assert.Equal(t, `scenario "hotindex" is not running`, err.Error())
}

func TestErrInvalidConfig(t *testing.T) {
	err := &ErrInvalidConfig{Name: "concurrency", Value: 0, Message: "must be at least 1"}
	assert.Equal(t, `value 0 is invalid for field "concurrency"; must be at least 1`, err.Error())

	err = &ErrInvalidConfig{Name: "concurrency", Value: -1}
	assert.Equal(t, `value -1 is invalid for field "concurrency"`, err.Error())
}

func TestErrorsAsRecoversThroughWrapping(t *testing.T) {
	wrapped := errors.WithMessage(&ErrAlreadyRunning{Scenario: "segment"}, "starting engine")

	var target *ErrAlreadyRunning
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "segment", target.Scenario)
}
