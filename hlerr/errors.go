// Package hlerr is the Hyperlight host error taxonomy (spec §7).
//
// Sentinel errors follow the style of gokvm's kvm/error.go: exported
// errors.New values for the flat cases, small structured types for the
// cases that carry data. Callers use errors.Is/errors.As; nothing here
// panics.
package hlerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration covers bad sizes, an oversized layout, or a
	// duplicate registered function name.
	ErrConfiguration = errors.New("hyperlight: configuration error")

	// ErrHypervisorUnavailable means no KVM/MSHV/WHP is usable on this host.
	ErrHypervisorUnavailable = errors.New("hyperlight: no hypervisor available")

	// ErrDriverInit wraps a driver-specific initialization failure.
	ErrDriverInit = errors.New("hyperlight: driver initialization failed")

	// ErrBadImage means the guest PE image failed to parse or its
	// signature byte was missing.
	ErrBadImage = errors.New("hyperlight: bad guest image")

	// ErrArgumentsTooLarge means the serialized call arguments would
	// overflow the input region.
	ErrArgumentsTooLarge = errors.New("hyperlight: arguments too large for input buffer")

	// ErrResultTooLarge means the serialized result would overflow the
	// output region.
	ErrResultTooLarge = errors.New("hyperlight: result too large for output buffer")

	// ErrHostFunctionNotFound means the guest invoked an unregistered
	// host function name.
	ErrHostFunctionNotFound = errors.New("hyperlight: host function not found")

	// ErrHostFunctionTypeMismatch means the guest's call arguments did not
	// match the registered function's parameter kinds.
	ErrHostFunctionTypeMismatch = errors.New("hyperlight: host function argument type mismatch")

	// ErrCallCancelled means the call was interrupted by the watchdog.
	ErrCallCancelled = errors.New("hyperlight: call cancelled")

	// ErrSandboxConsumed means a second call was made on a single-use sandbox.
	ErrSandboxConsumed = errors.New("hyperlight: sandbox already consumed")

	// ErrSandboxPoisoned means the sandbox suffered a fatal VM exit and
	// can no longer be used.
	ErrSandboxPoisoned = errors.New("hyperlight: sandbox poisoned")

	// ErrSandboxBusy means a second call was attempted while one was
	// already in flight (spec §8 property 8 — single-flight per sandbox).
	ErrSandboxBusy = errors.New("hyperlight: sandbox has a call in flight")

	// ErrSurrogatePoolInit means the WHP surrogate process pool failed to
	// start up (one or more pool members failed to launch).
	ErrSurrogatePoolInit = errors.New("hyperlight: surrogate pool initialization failed")

	// ErrSurrogateAcquire means acquiring a surrogate process failed or
	// was cancelled.
	ErrSurrogateAcquire = errors.New("hyperlight: surrogate process acquisition failed")
)

// Internal is the last-resort error kind; it always carries a correlation id.
type Internal struct {
	CorrelationID string
	Err           error
}

func (e *Internal) Error() string {
	return fmt.Sprintf("hyperlight: internal error [%s]: %v", e.CorrelationID, e.Err)
}

func (e *Internal) Unwrap() error { return e.Err }

// NewInternal wraps err as an Internal error tagged with correlationID.
func NewInternal(correlationID string, err error) error {
	return &Internal{CorrelationID: correlationID, Err: err}
}

// GuestErrorCode is the closed enum the guest reports in the guest-error buffer (spec §4.8).
//
//go:generate stringer -type=GuestErrorCode
type GuestErrorCode uint64

const (
	GuestErrorNone                  GuestErrorCode = 0
	GuestErrorCodeHeaderNotSet      GuestErrorCode = 1
	GuestErrorUnsupportedParamType  GuestErrorCode = 2
	GuestErrorFunctionNameNotProvided GuestErrorCode = 3
	GuestErrorFunctionNotFound      GuestErrorCode = 4
	GuestErrorParametersMissing     GuestErrorCode = 5
	GuestErrorDispatchPtrNotSet     GuestErrorCode = 6
	GuestErrorMallocFailed          GuestErrorCode = 7
	GuestErrorMessageTooLarge       GuestErrorCode = 8
	GuestErrorStackOverflow         GuestErrorCode = 9
	GuestErrorGSFailure             GuestErrorCode = 10
	GuestErrorUnknown               GuestErrorCode = 11
)

func (c GuestErrorCode) String() string {
	switch c {
	case GuestErrorNone:
		return "NoError"
	case GuestErrorCodeHeaderNotSet:
		return "CodeHeaderNotSet"
	case GuestErrorUnsupportedParamType:
		return "UnsupportedParameterType"
	case GuestErrorFunctionNameNotProvided:
		return "GuestFunctionNameNotProvided"
	case GuestErrorFunctionNotFound:
		return "GuestFunctionNotFound"
	case GuestErrorParametersMissing:
		return "GuestFunctionParametersMissing"
	case GuestErrorDispatchPtrNotSet:
		return "DispatchFunctionPointerNotSet"
	case GuestErrorMallocFailed:
		return "MallocFailed"
	case GuestErrorMessageTooLarge:
		return "GuestErrorMessageTooLarge"
	case GuestErrorStackOverflow:
		return "StackOverflow"
	case GuestErrorGSFailure:
		return "GSFailure"
	case GuestErrorUnknown:
		return "Unknown"
	default:
		if c >= 12 {
			return fmt.Sprintf("Reserved(%d)", uint64(c))
		}

		return fmt.Sprintf("GuestErrorCode(%d)", uint64(c))
	}
}

// GuestError is the structured error a guest writes to the guest-error
// buffer before halting with a nonzero return (spec §3, §4.8).
type GuestError struct {
	Code    GuestErrorCode
	Message string
}

func (e *GuestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hyperlight: guest error %s", e.Code)
	}

	return fmt.Sprintf("hyperlight: guest error %s: %s", e.Code, e.Message)
}

// GuestMemoryFault is returned when the vCPU exits on an unmapped or
// otherwise faulting guest-physical access.
type GuestMemoryFault struct {
	GPA    uint64
	Access string // "read", "write", or "execute"
}

func (e *GuestMemoryFault) Error() string {
	return fmt.Sprintf("hyperlight: guest memory fault at 0x%x (%s)", e.GPA, e.Access)
}

// GuestAborted is returned when the guest executes the ABORT outb port.
type GuestAborted struct {
	Code    uint8
	Context []byte
}

func (e *GuestAborted) Error() string {
	return fmt.Sprintf("hyperlight: guest aborted with code %d", e.Code)
}

// IsFatal reports whether err represents a fatal VM condition that must
// poison the sandbox (spec §4.5 terminal states).
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var gmf *GuestMemoryFault

	var ga *GuestAborted

	var ie *Internal

	switch {
	case errors.As(err, &gmf):
		return true
	case errors.As(err, &ga):
		return true
	case errors.As(err, &ie):
		return true
	case errors.Is(err, ErrCallCancelled):
		return true
	}

	var ge *GuestError
	if errors.As(err, &ge) {
		return ge.Code == GuestErrorStackOverflow || ge.Code == GuestErrorGSFailure
	}

	return false
}
