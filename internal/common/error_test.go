package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

type codeErr int

func (c codeErr) Error() string   { return fmt.Sprintf("status %d", int(c)) }
func (c codeErr) StatusCode() int { return int(c) }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation sentinel", ErrEmptyFile, KindValidation},
		{"wrapped validation", fmt.Errorf("upload: %w", ErrInvalidPurpose), KindValidation},
		{"not found", fmt.Errorf("delete: %w", ErrorNotFound), KindValidation},
		{"lock timeout", ErrLockTimeout, KindConcurrency},
		{"circuit", fmt.Errorf("x: %w", ErrCircuitOpen), KindCircuit},
		{"status code", codeErr(503), KindProvider},
		{"deadline", context.DeadlineExceeded, KindProvider},
		{"explicit kind wins", &Error{Kind: KindStorage, Err: ErrEmptyFile}, KindStorage},
		{"unknown", errors.New("boom"), KindSystem},
		{"nil", nil, KindSystem},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestError_MessageCarriesProviderAndAttempts(t *testing.T) {
	err := &Error{Kind: KindProvider, Op: "upload", Provider: "openai", Attempts: 3, Err: codeErr(503)}
	assert.Equal(t, "upload: provider error (provider=openai, attempts=3): status 503", err.Error())

	var sc StatusCoder
	assert.True(t, errors.As(err, &sc))
	code, ok := StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, 503, code)
}

func TestError_NeverTriedHasNoAttempts(t *testing.T) {
	err := &Error{Kind: KindCircuit, Op: "upload", Provider: "b", Err: ErrCircuitOpen}
	assert.Equal(t, "upload: circuit error (provider=b): circuit open: provider unavailable", err.Error())
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestGRPCStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{ErrEmptyFile, codes.InvalidArgument},
		{ErrFileTooLarge, codes.OutOfRange},
		{ErrorNotFound, codes.NotFound},
		{ErrLockTimeout, codes.DeadlineExceeded},
		{ErrLockHeld, codes.Aborted},
		{E(KindCircuit, "upload", ErrCircuitOpen), codes.Unavailable},
		{&Error{Kind: KindProvider, Err: codeErr(404)}, codes.NotFound},
		{&Error{Kind: KindProvider, Err: codeErr(429)}, codes.ResourceExhausted},
		{&Error{Kind: KindProvider, Err: codeErr(502)}, codes.Unavailable},
		{&Error{Kind: KindProvider, Err: context.DeadlineExceeded}, codes.DeadlineExceeded},
		{E(KindStorage, "insert", errors.New("db down")), codes.Internal},
		{errors.New("boom"), codes.Unknown},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, GRPCStatus(tc.err).Code(), "err=%v", tc.err)
	}
}
