// Package vmexit implements C5: classifying and servicing the guest's
// outb-based requests to the host (spec §4.5).
//
// The three-port contract (LOG, CALL_HOST, ABORT) plays the same role
// gokvm's device.IODevice interface plays for its port-mapped devices
// (device/device.go): a small fixed surface keyed by port number, with a
// table-driven dispatcher in front of it (machine/machine.go's
// ioportHandlers array, kvm/kvm.go's handleExitIO switch). There is no
// UART, no CMOS clock, no DMA page registers here — a Hyperlight guest
// has exactly three things to say to the host.
package vmexit

import (
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/hostfunc"
	"github.com/hyperlight-dev/hyperlight-go/hv"
	"github.com/hyperlight-dev/hyperlight-go/internal/hlog"
	"github.com/hyperlight-dev/hyperlight-go/sandmem"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// Port numbers are kept private: spec §9 resolves the "is the port
// number part of the public ABI" open question as "private but stable
// for a given host/guest pair", so nothing outside this package needs
// to know these values.
const (
	portLog      uint16 = 99
	portCallHost uint16 = 101
	portAbort    uint16 = 102
)

// Memory is the subset of the shared region a Handler reads and writes
// while servicing an exit. sandmem.Region satisfies this.
type Memory interface {
	ReadRegion(k sandmem.RegionKind) []byte
	WriteRegion(k sandmem.RegionKind, data []byte) error
}

// Handler services IoOut exits for one sandbox. It holds no per-call
// state; Service is safe to call repeatedly across the lifetime of a
// recycled sandbox.
type Handler struct {
	mem      Memory
	registry *hostfunc.Registry
	sink     *Sink
	corrID   string
}

// New returns a Handler that reads/writes mem's regions and dispatches
// CALL_HOST requests through registry. sink and corrID are used only to
// emit LOG-port records; corrID may be empty.
func New(mem Memory, registry *hostfunc.Registry, sink *Sink, corrID string) *Handler {
	return &Handler{mem: mem, registry: registry, sink: sink, corrID: corrID}
}

// Outcome reports what a serviced exit means for the sandbox's call loop
// (spec §4.5's state diagram: Running, AbortedFatal, or Fatal).
type Outcome int

const (
	// OutcomeResume means the vCPU should keep running.
	OutcomeResume Outcome = iota
	// OutcomeAborted means the call loop must stop; err is a
	// *hlerr.GuestAborted for the ABORT port, the decode error for a
	// CALL_HOST request the wire format cannot read, or an *hlerr.Internal
	// for an unrecognized port.
	OutcomeAborted
)

// Service classifies and handles one IoOut exit. It returns OutcomeResume
// with a nil error when the vCPU should simply be resumed (LOG, and
// CALL_HOST whenever its request decodes, end this way), or
// OutcomeAborted with a non-nil error otherwise: on ABORT, on a
// CALL_HOST request that cannot be decoded, and on an unrecognized port.
// An unrecognized port is reported as an
// *hlerr.Internal rather than silently ignored — per spec §4.5 any exit
// this handler cannot classify is fatal, same as an Unexpected exit kind
// from the driver itself.
func (h *Handler) Service(exit hv.ExitReason) (Outcome, error) {
	switch exit.Port {
	case portLog:
		h.serviceLog(exit.Value)

		return OutcomeResume, nil

	case portCallHost:
		if err := h.serviceCallHost(); err != nil {
			return OutcomeAborted, err
		}

		return OutcomeResume, nil

	case portAbort:
		return OutcomeAborted, h.serviceAbort(exit.Value)

	default:
		return OutcomeAborted, hlerr.NewInternal(h.corrID,
			fmt.Errorf("vmexit: unrecognized outb port %d", exit.Port))
	}
}

// serviceLog reads the log record the guest staged in the output-data
// region (spec §4.6: "buffers are reused across calls" -- a log call and
// a host call never overlap, so LOG reuses the same guest-to-host buffer
// CALL_HOST does) and emits it through the logger. value's single byte
// is the log level (spec §4.5 "value is a log level").
func (h *Handler) serviceLog(value []byte) {
	level := hlog.LevelInformation
	if len(value) > 0 {
		level = hlog.Level(value[0])
	}

	record := h.mem.ReadRegion(sandmem.RegionOutputData)

	h.sink.Emit(level, h.corrID, decodeLogRecord(record))
}

// serviceCallHost deserializes a FunctionCall from the output region,
// looks it up in the registry, invokes it, and writes the
// FunctionCallResult back into the input region (spec §4.5 "CALL_HOST").
//
// A lookup or argument-type failure is not fatal to the sandbox (spec
// §4.10: "the guest receives a serialized host exception rather than a
// result"): it is written to the host-exception region and the vCPU is
// resumed exactly as on success. Only a malformed call -- one the wire
// format itself cannot decode -- is reported back to the caller as a
// real error, since that indicates the guest and host have desynced in
// a way no host exception can describe.
func (h *Handler) serviceCallHost() error {
	call, err := wire.DecodeFunctionCall(h.mem.ReadRegion(sandmem.RegionOutputData))
	if err != nil {
		return fmt.Errorf("vmexit: decoding host call: %w", err)
	}

	def, ok := h.registry.Lookup(call.Name)
	if !ok {
		return h.writeHostException(fmt.Sprintf("%v: %s", hlerr.ErrHostFunctionNotFound, call.Name))
	}

	ret, err := hostfunc.Invoke(def, call.Args)
	if err != nil {
		return h.writeHostException(err.Error())
	}

	if err := h.writeHostException(""); err != nil {
		return err
	}

	result := wire.FunctionCallResult{Return: ret}

	encoded, err := result.Encode(make([]byte, len(h.mem.ReadRegion(sandmem.RegionInputData))), hlerr.ErrResultTooLarge)
	if err != nil {
		return err
	}

	return h.mem.WriteRegion(sandmem.RegionInputData, encoded)
}

// writeHostException writes (or clears, if message is empty) the
// host-exception region the guest checks after a CALL_HOST returns.
func (h *Handler) writeHostException(message string) error {
	encoded, err := wire.EncodeHostException(message, make([]byte, len(h.mem.ReadRegion(sandmem.RegionHostException))))
	if err != nil {
		return err
	}

	return h.mem.WriteRegion(sandmem.RegionHostException, encoded)
}

// serviceAbort reads the guest error the guest staged before aborting
// and synthesizes a GuestAborted (spec §4.5 "ABORT").
func (h *Handler) serviceAbort(value []byte) error {
	code := uint8(0)
	if len(value) > 0 {
		code = value[0]
	}

	context := h.mem.ReadRegion(sandmem.RegionPanicContext)

	return &hlerr.GuestAborted{Code: code, Context: context}
}
