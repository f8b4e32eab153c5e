package model

import "errors"

var (
	// ErrValidation marks malformed Insight/Action fields rejected before persistence.
	ErrValidation = errors.New("validation failed")

	// ErrStateConflict marks a lifecycle transition that is not allowed from
	// the record's current state (e.g. completing an Action that never started).
	ErrStateConflict = errors.New("state conflict")

	// ErrDependencyTimeout marks an external call (LLM, notification channel)
	// that did not answer within its deadline.
	ErrDependencyTimeout = errors.New("dependency timeout")
)
