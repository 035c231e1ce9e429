// Package apperr defines the typed failures returned by the credential broker.
// Every error carries the kind of failure and the activation step that produced it,
// so callers can tell a provisioning failure from a grant failure without parsing
// messages.
package apperr

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stratus-framework/scopebroker/internal/core"
)

// Kind classifies broker failures.
type Kind string

const (
	KindUnknown                    Kind = "unknown"
	KindInvalidArgument            Kind = "invalid_argument"
	KindIdentityProvisioningFailed Kind = "identity_provisioning_failed"
	KindMappingWriteFailed         Kind = "mapping_write_failed"
	KindGrantFailed                Kind = "grant_failed"
	KindCredentialIssuanceFailed   Kind = "credential_issuance_failed"
	KindCacheFull                  Kind = "cache_full"
)

// GRPCCode maps a kind to its gRPC status code.
func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindCacheFull:
		return codes.ResourceExhausted
	case KindIdentityProvisioningFailed, KindGrantFailed, KindCredentialIssuanceFailed:
		return codes.FailedPrecondition
	case KindMappingWriteFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Error is a broker failure with its kind, step and cause.
type Error struct {
	Kind    Kind
	Step    core.ActivationStep
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Step != "" {
		msg = fmt.Sprintf("%s: %s", e.Step, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrInvalidArgument            = &Error{Kind: KindInvalidArgument}
	ErrIdentityProvisioningFailed = &Error{Kind: KindIdentityProvisioningFailed}
	ErrMappingWriteFailed         = &Error{Kind: KindMappingWriteFailed}
	ErrGrantFailed                = &Error{Kind: KindGrantFailed}
	ErrCredentialIssuanceFailed   = &Error{Kind: KindCredentialIssuanceFailed}
	ErrCacheFull                  = &Error{Kind: KindCacheFull}
)

// New creates an error without a cause.
func New(kind Kind, step core.ActivationStep, message string) *Error {
	return &Error{Kind: kind, Step: step, Message: message}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(kind Kind, step core.ActivationStep, message string, cause error) *Error {
	return &Error{Kind: kind, Step: step, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StepOf returns the failing step recorded in err's chain, if any.
func StepOf(err error) core.ActivationStep {
	var e *Error
	if errors.As(err, &e) {
		return e.Step
	}
	return ""
}

// ToGRPCStatus converts err into a gRPC status error. Errors that are not
// broker errors become codes.Internal.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		var e *Error
		if !errors.As(err, &e) {
			return err
		}
	}
	code := KindOf(err).GRPCCode()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
