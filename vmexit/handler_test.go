package vmexit_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/hostfunc"
	"github.com/hyperlight-dev/hyperlight-go/hv"
	"github.com/hyperlight-dev/hyperlight-go/sandmem"
	"github.com/hyperlight-dev/hyperlight-go/vmexit"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// fakeMemory backs vmexit.Memory with plain byte slices instead of a
// real mmap'd sandmem.Region, fixed-size per region the way a real
// Layout would size them.
type fakeMemory struct {
	regions map[sandmem.RegionKind][]byte
}

func newFakeMemory() *fakeMemory {
	m := &fakeMemory{regions: make(map[sandmem.RegionKind][]byte)}
	for _, k := range []sandmem.RegionKind{
		sandmem.RegionOutputData, sandmem.RegionInputData,
		sandmem.RegionHostException, sandmem.RegionPanicContext,
	} {
		m.regions[k] = make([]byte, 4096)
	}

	return m
}

func (m *fakeMemory) ReadRegion(k sandmem.RegionKind) []byte {
	out := make([]byte, len(m.regions[k]))
	copy(out, m.regions[k])

	return out
}

func (m *fakeMemory) WriteRegion(k sandmem.RegionKind, data []byte) error {
	if len(data) > len(m.regions[k]) {
		return hlerr.ErrArgumentsTooLarge
	}

	copy(m.regions[k], data)

	return nil
}

func newTestHandler(t *testing.T, mem *fakeMemory, reg *hostfunc.Registry) (*vmexit.Handler, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer

	sink := vmexit.NewSink(nil, &out)

	return vmexit.New(mem, reg, sink, "test-correlation"), &out
}

func TestServiceCallHostInvokesRegisteredFunction(t *testing.T) {
	t.Parallel()

	mem := newFakeMemory()

	reg := hostfunc.NewRegistry()
	if err := reg.Register("Double", []wire.Kind{wire.KindI32}, wire.KindI32,
		func(args []wire.TypedValue) (wire.TypedValue, error) {
			return wire.I32(args[0].I32 * 2), nil
		}); err != nil {
		t.Fatal(err)
	}

	call := wire.FunctionCall{Name: "Double", Args: []wire.TypedValue{wire.I32(21)}}

	encoded, err := call.Encode(make([]byte, 4096), hlerr.ErrArgumentsTooLarge)
	if err != nil {
		t.Fatal(err)
	}

	if err := mem.WriteRegion(sandmem.RegionOutputData, encoded); err != nil {
		t.Fatal(err)
	}

	h, _ := newTestHandler(t, mem, reg)

	outcome, err := h.Service(hv.ExitReason{Kind: hv.ExitIoOut, Port: 101})
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	if outcome != vmexit.OutcomeResume {
		t.Fatalf("outcome: got %v, want OutcomeResume", outcome)
	}

	result, err := wire.DecodeFunctionCallResult(mem.ReadRegion(sandmem.RegionInputData))
	if err != nil {
		t.Fatalf("DecodeFunctionCallResult: %v", err)
	}

	if result.Return.Kind != wire.KindI32 || result.Return.I32 != 42 {
		t.Fatalf("result: got %+v, want i32(42)", result.Return)
	}
}

// TestServiceCallHostUnknownFunction checks the spec §4.10 "the guest
// receives a serialized host exception rather than a result" path: an
// unregistered function name is not fatal to the sandbox, it is
// reported back through the host-exception region and the vCPU resumes.
func TestServiceCallHostUnknownFunction(t *testing.T) {
	t.Parallel()

	mem := newFakeMemory()
	reg := hostfunc.NewRegistry()

	call := wire.FunctionCall{Name: "Missing"}

	encoded, err := call.Encode(make([]byte, 4096), hlerr.ErrArgumentsTooLarge)
	if err != nil {
		t.Fatal(err)
	}

	if err := mem.WriteRegion(sandmem.RegionOutputData, encoded); err != nil {
		t.Fatal(err)
	}

	h, _ := newTestHandler(t, mem, reg)

	outcome, err := h.Service(hv.ExitReason{Kind: hv.ExitIoOut, Port: 101})
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	if outcome != vmexit.OutcomeResume {
		t.Fatalf("outcome: got %v, want OutcomeResume", outcome)
	}

	exception, err := wire.DecodeHostException(mem.ReadRegion(sandmem.RegionHostException))
	if err != nil {
		t.Fatalf("DecodeHostException: %v", err)
	}

	if !strings.Contains(exception, "Missing") {
		t.Fatalf("host exception %q does not mention the missing function", exception)
	}
}

func TestServiceLogForwardsRecordToSink(t *testing.T) {
	t.Parallel()

	mem := newFakeMemory()
	copy(mem.regions[sandmem.RegionOutputData], []byte("hello from guest\x00\x00\x00"))

	reg := hostfunc.NewRegistry()
	h, out := newTestHandler(t, mem, reg)

	outcome, err := h.Service(hv.ExitReason{Kind: hv.ExitIoOut, Port: 99, Value: []byte{byte(2)}})
	if err != nil {
		t.Fatalf("Service: %v", err)
	}

	if outcome != vmexit.OutcomeResume {
		t.Fatalf("outcome: got %v, want OutcomeResume", outcome)
	}

	if !bytes.Contains(out.Bytes(), []byte("hello from guest")) {
		t.Fatalf("sink output %q does not contain the log record", out.String())
	}
}

func TestServiceAbortReturnsGuestAborted(t *testing.T) {
	t.Parallel()

	mem := newFakeMemory()
	copy(mem.regions[sandmem.RegionPanicContext], []byte("stack smashed"))

	reg := hostfunc.NewRegistry()
	h, _ := newTestHandler(t, mem, reg)

	outcome, err := h.Service(hv.ExitReason{Kind: hv.ExitIoOut, Port: 102, Value: []byte{7}})
	if outcome != vmexit.OutcomeAborted {
		t.Fatalf("outcome: got %v, want OutcomeAborted", outcome)
	}

	var aborted *hlerr.GuestAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("err: got %v, want *hlerr.GuestAborted", err)
	}

	if aborted.Code != 7 {
		t.Fatalf("code: got %d, want 7", aborted.Code)
	}
}

func TestServiceUnrecognizedPortIsFatal(t *testing.T) {
	t.Parallel()

	mem := newFakeMemory()
	reg := hostfunc.NewRegistry()
	h, _ := newTestHandler(t, mem, reg)

	outcome, err := h.Service(hv.ExitReason{Kind: hv.ExitIoOut, Port: 12345})
	if outcome != vmexit.OutcomeAborted {
		t.Fatalf("outcome: got %v, want OutcomeAborted", outcome)
	}

	if err == nil {
		t.Fatal("expected an error for an unrecognized port")
	}
}
