package common

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCStatus maps err to the actionable status a caller of the surrounding
// daemon receives. Raw provider SDK errors never leak past this mapping: only
// the kind-level message is exposed.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	kind := KindOf(err)
	switch kind {
	case KindValidation:
		if errors.Is(err, ErrFileTooLarge) {
			return status.New(codes.OutOfRange, err.Error())
		}
		if errors.Is(err, ErrorNotFound) {
			return status.New(codes.NotFound, err.Error())
		}
		return status.New(codes.InvalidArgument, err.Error())
	case KindConcurrency:
		if errors.Is(err, ErrLockTimeout) {
			return status.New(codes.DeadlineExceeded, "upload of identical content in progress, retry later")
		}
		return status.New(codes.Aborted, "upload of identical content in progress")
	case KindCircuit:
		return status.New(codes.Unavailable, "provider unavailable")
	case KindProvider:
		if errors.Is(err, context.DeadlineExceeded) {
			return status.New(codes.DeadlineExceeded, "provider call timed out")
		}
		if code, ok := StatusCode(err); ok {
			switch code {
			case 400:
				return status.New(codes.InvalidArgument, "provider rejected request")
			case 401, 403:
				return status.New(codes.FailedPrecondition, "provider credentials rejected")
			case 404:
				return status.New(codes.NotFound, "provider resource not found")
			case 429:
				return status.New(codes.ResourceExhausted, "provider rate limited")
			}
		}
		return status.New(codes.Unavailable, "provider call failed")
	case KindStorage:
		return status.New(codes.Internal, "metadata store failure")
	default:
		return status.New(codes.Unknown, "internal error")
	}
}
