// Package apperr holds the error kinds shared by the question-answering pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// ErrStoreNotLoaded is returned when the knowledge store is searched before a successful load.
var ErrStoreNotLoaded = errors.New("knowledge store is not loaded")

// GenerationError reports a failure of the embedding or text-generation service.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("generation failed: %v", e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ExecutionError reports a fault raised by the relational store while running a generated query.
// The driver message is kept intact for display.
type ExecutionError struct {
	Query string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute query: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// InitError is raised during bootstrap when a process-wide component cannot be built.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

func Generation(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GenerationError{Op: op, Err: err}
}

func Execution(query string, err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Query: query, Err: err}
}

func Init(component string, err error) error {
	if err == nil {
		return nil
	}
	return &InitError{Component: component, Err: err}
}

func IsGeneration(err error) bool {
	var target *GenerationError
	return errors.As(err, &target)
}

func IsExecution(err error) bool {
	var target *ExecutionError
	return errors.As(err, &target)
}
