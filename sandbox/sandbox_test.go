package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"unsafe"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/hostfunc"
	"github.com/hyperlight-dev/hyperlight-go/hv"
	"github.com/hyperlight-dev/hyperlight-go/sandbox"
	"github.com/hyperlight-dev/hyperlight-go/sandmem"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// step is one scripted response to RunUntilExit: before (if set) runs
// first, letting a test stage a "guest write" into shared memory right
// before the exit it precedes is reported.
type step struct {
	before func()
	exit   hv.ExitReason
}

// fakeDriver stands in for a real hypervisor backend: it never executes
// any code, just plays back a scripted sequence of exits. MapMemory
// records hostAddr so a test can reach into the same shared buffer
// Build/Call read and write.
type fakeDriver struct {
	hostAddr uintptr
	size     uint64
	steps    []step
	idx      int
	cancels  int
}

func (d *fakeDriver) MapMemory(hostAddr uintptr, size, _ uint64) error {
	d.hostAddr, d.size = hostAddr, size

	return nil
}

func (d *fakeDriver) SetRegs(hv.Regs, hv.Sregs) error { return nil }
func (d *fakeDriver) ResetStackPointer(uint64) error  { return nil }
func (d *fakeDriver) Close() error                    { return nil }

func (d *fakeDriver) Cancel() error {
	d.cancels++

	return nil
}

func (d *fakeDriver) RunUntilExit() (hv.ExitReason, error) {
	if d.idx >= len(d.steps) {
		return hv.ExitReason{Kind: hv.ExitHalt}, nil
	}

	s := d.steps[d.idx]
	d.idx++

	if s.before != nil {
		s.before()
	}

	return s.exit, nil
}

// sharedBytes returns a []byte view over the whole mapped region, valid
// once MapMemory has been called.
func (d *fakeDriver) sharedBytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(d.hostAddr)), int(d.size))
}

const (
	testPortCallHost uint16 = 101
	testPortAbort    uint16 = 102
)

func newTestImage() []byte {
	code := make([]byte, 64)
	code[0] = 'J' // loader.Load's required guest signature byte

	return buildMinimalPEImage(0x10, code)
}

func writeRegion(raw []byte, layout *sandmem.Layout, k sandmem.RegionKind, data []byte) {
	off, size := layout.Extent(k)
	if uint64(len(data)) > size {
		panic("writeRegion: data too large for region")
	}

	copy(raw[off:off+size], data)
}

func readRegion(raw []byte, layout *sandmem.Layout, k sandmem.RegionKind) []byte {
	off, size := layout.Extent(k)
	out := make([]byte, size)
	copy(out, raw[off:off+size])

	return out
}

func TestSandboxRecycleModeCallsHostFunctionAndReturnsResult(t *testing.T) {
	t.Parallel()

	cfg := sandmem.DefaultConfig()

	layout, err := sandmem.NewLayout(cfg)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}

	var doubleCalls int

	registry := hostfunc.NewRegistry()
	err = registry.Register("double", []wire.Kind{wire.KindI32}, wire.KindI32,
		func(args []wire.TypedValue) (wire.TypedValue, error) {
			doubleCalls++

			return wire.I32(args[0].I32 * 2), nil
		})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	driver := &fakeDriver{steps: []step{
		{exit: hv.ExitReason{Kind: hv.ExitHalt}}, // entry run at Build time
	}}

	sb, err := sandbox.Build(newTestImage(), registry, func() (hv.Driver, error) { return driver, nil }, sandbox.Options{
		Mode:   sandbox.ModeRecycle,
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sb.Close()

	// Script one Call: the "guest" issues a CALL_HOST for double(21),
	// then halts having written its own FunctionCallResult (42) to
	// OutputData.
	call := wire.FunctionCall{Name: "double", Args: []wire.TypedValue{wire.I32(21)}}

	driver.steps = append(driver.steps,
		step{
			before: func() {
				raw := driver.sharedBytes()
				encoded, err := call.Encode(readRegion(raw, layout, sandmem.RegionOutputData), hlerr.ErrResultTooLarge)
				if err != nil {
					t.Fatalf("encode CALL_HOST request: %v", err)
				}
				writeRegion(raw, layout, sandmem.RegionOutputData, encoded)
			},
			exit: hv.ExitReason{Kind: hv.ExitIoOut, Port: testPortCallHost},
		},
		step{
			before: func() {
				raw := driver.sharedBytes()
				result := wire.FunctionCallResult{Return: wire.I32(42)}
				encoded, err := result.Encode(readRegion(raw, layout, sandmem.RegionOutputData), hlerr.ErrResultTooLarge)
				if err != nil {
					t.Fatalf("encode final result: %v", err)
				}
				writeRegion(raw, layout, sandmem.RegionOutputData, encoded)
			},
			exit: hv.ExitReason{Kind: hv.ExitHalt},
		},
	)

	ret, err := sb.Call(context.Background(), "entry", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if ret.Kind != wire.KindI32 || ret.I32 != 42 {
		t.Fatalf("got %+v, want I32(42)", ret)
	}

	if doubleCalls != 1 {
		t.Fatalf("host function called %d times, want 1", doubleCalls)
	}

	raw := driver.sharedBytes()

	hostExc, err := wire.DecodeHostException(readRegion(raw, layout, sandmem.RegionHostException))
	if err != nil {
		t.Fatalf("DecodeHostException: %v", err)
	}

	if hostExc != "" {
		t.Fatalf("got host exception %q, want none", hostExc)
	}

	// A second call on a recycle-mode sandbox must be answerable again:
	// the snapshot restore puts the sandbox back in a callable state, and
	// one more scripted halt answers the call.
	driver.steps = append(driver.steps, step{exit: hv.ExitReason{Kind: hv.ExitHalt}})

	if _, err := sb.Call(context.Background(), "entry", nil); err != nil {
		t.Fatalf("second Call: %v", err)
	}
}

func TestSandboxSingleUseConsumedAfterOneCall(t *testing.T) {
	t.Parallel()

	cfg := sandmem.DefaultConfig()
	registry := hostfunc.NewRegistry()

	driver := &fakeDriver{steps: []step{
		{exit: hv.ExitReason{Kind: hv.ExitHalt}}, // build
		{exit: hv.ExitReason{Kind: hv.ExitHalt}}, // first call
	}}

	sb, err := sandbox.Build(newTestImage(), registry, func() (hv.Driver, error) { return driver, nil }, sandbox.Options{
		Mode:   sandbox.ModeSingleUse,
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sb.Close()

	if _, err := sb.Call(context.Background(), "entry", nil); err != nil {
		t.Fatalf("first Call: %v", err)
	}

	_, err = sb.Call(context.Background(), "entry", nil)
	if !errors.Is(err, hlerr.ErrSandboxConsumed) {
		t.Fatalf("got %v, want hlerr.ErrSandboxConsumed", err)
	}
}

func TestSandboxAbortPoisonsSandbox(t *testing.T) {
	t.Parallel()

	cfg := sandmem.DefaultConfig()
	registry := hostfunc.NewRegistry()

	driver := &fakeDriver{steps: []step{
		{exit: hv.ExitReason{Kind: hv.ExitHalt}}, // build
		{exit: hv.ExitReason{Kind: hv.ExitIoOut, Port: testPortAbort, Value: []byte{7}}},
	}}

	sb, err := sandbox.Build(newTestImage(), registry, func() (hv.Driver, error) { return driver, nil }, sandbox.Options{
		Mode:   sandbox.ModeRecycle,
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sb.Close()

	_, err = sb.Call(context.Background(), "entry", nil)

	var aborted *hlerr.GuestAborted
	if !errors.As(err, &aborted) {
		t.Fatalf("got %v, want *hlerr.GuestAborted", err)
	}

	if aborted.Code != 7 {
		t.Fatalf("got abort code %d, want 7", aborted.Code)
	}

	// A poisoned sandbox must reject every further call.
	_, err = sb.Call(context.Background(), "entry", nil)
	if !errors.Is(err, hlerr.ErrSandboxPoisoned) {
		t.Fatalf("got %v, want hlerr.ErrSandboxPoisoned", err)
	}
}

func TestSandboxUnknownHostFunctionWritesHostExceptionWithoutPoisoning(t *testing.T) {
	t.Parallel()

	cfg := sandmem.DefaultConfig()

	layout, err := sandmem.NewLayout(cfg)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}

	registry := hostfunc.NewRegistry()

	driver := &fakeDriver{steps: []step{
		{exit: hv.ExitReason{Kind: hv.ExitHalt}}, // build
	}}

	sb, err := sandbox.Build(newTestImage(), registry, func() (hv.Driver, error) { return driver, nil }, sandbox.Options{
		Mode:   sandbox.ModeRecycle,
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer sb.Close()

	call := wire.FunctionCall{Name: "does-not-exist"}

	driver.steps = append(driver.steps,
		step{
			before: func() {
				raw := driver.sharedBytes()
				encoded, err := call.Encode(readRegion(raw, layout, sandmem.RegionOutputData), hlerr.ErrResultTooLarge)
				if err != nil {
					t.Fatalf("encode CALL_HOST request: %v", err)
				}
				writeRegion(raw, layout, sandmem.RegionOutputData, encoded)
			},
			exit: hv.ExitReason{Kind: hv.ExitIoOut, Port: testPortCallHost},
		},
		step{
			before: func() {
				raw := driver.sharedBytes()
				result := wire.FunctionCallResult{}
				encoded, err := result.Encode(readRegion(raw, layout, sandmem.RegionOutputData), hlerr.ErrResultTooLarge)
				if err != nil {
					t.Fatalf("encode final result: %v", err)
				}
				writeRegion(raw, layout, sandmem.RegionOutputData, encoded)
			},
			exit: hv.ExitReason{Kind: hv.ExitHalt},
		},
	)

	if _, err := sb.Call(context.Background(), "entry", nil); err != nil {
		t.Fatalf("Call should not fail on an unknown host function: %v", err)
	}

	raw := driver.sharedBytes()

	hostExc, err := wire.DecodeHostException(readRegion(raw, layout, sandmem.RegionHostException))
	if err != nil {
		t.Fatalf("DecodeHostException: %v", err)
	}

	if hostExc == "" {
		t.Fatal("expected a non-empty host exception for an unknown function")
	}
}
