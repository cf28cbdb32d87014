// Package common defines the error taxonomy and shared constants used across
// the upload orchestrator. Callers should use errors.Is / errors.As (or
// KindOf) to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound    = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidStatus = errors.New("invalid status transition")

	// Validation errors.
	ErrEmptyFile       = errors.New("empty file")
	ErrFileTooLarge    = errors.New("file exceeds every provider size limit")
	ErrInvalidPurpose  = errors.New("purpose not accepted by any provider")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidRequest  = errors.New("invalid request")

	// Concurrency errors.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	ErrLockHeld    = errors.New("lock held by another actor")
	ErrLockLost    = errors.New("lock no longer owned")

	// Circuit errors.
	ErrCircuitOpen = errors.New("circuit open: provider unavailable")

	// State backend errors.
	ErrCASConflict = errors.New("compare-and-swap conflict")
)
