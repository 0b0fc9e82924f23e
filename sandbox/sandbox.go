// Package sandbox implements C7: building a sandbox from a guest image
// and a host-function registry, running it to its initial halt, taking a
// snapshot, and dispatching calls against it for the rest of its
// lifetime (spec §4.7, §4.9).
//
// Grounded on gokvm's vmm/vmm.go (New/Init/Setup/Boot staged
// construction) and machine/machine.go's Machine struct-of-subsystems
// composition: there, those methods load a Linux kernel and run it
// forever; here the same shape loads a PE guest, runs it once to the
// entry-point halt, snapshots, and then answers Call after Call instead
// of running to completion.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/hostfunc"
	"github.com/hyperlight-dev/hyperlight-go/hv"
	"github.com/hyperlight-dev/hyperlight-go/internal/hlog"
	"github.com/hyperlight-dev/hyperlight-go/loader"
	"github.com/hyperlight-dev/hyperlight-go/sandmem"
	"github.com/hyperlight-dev/hyperlight-go/vmexit"
	"github.com/hyperlight-dev/hyperlight-go/watchdog"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// RunMode selects how a built Sandbox answers Call after its first build
// (spec §4.9 "Run modes").
type RunMode int

const (
	// ModeRecycle restores the post-build snapshot before every call, so
	// a Sandbox can be called an unbounded number of times.
	ModeRecycle RunMode = iota
	// ModeSingleUse answers exactly one Call and then reports
	// hlerr.ErrSandboxConsumed for every call after.
	ModeSingleUse
	// ModeInProcess never traps to a hypervisor at all: the guest's
	// entry point runs directly on the calling goroutine's OS thread
	// (spec §4.7 "development only, Windows").
	ModeInProcess
)

// state is the Sandbox's own lifecycle state machine, layered over
// RunMode (spec §4.5: "Built -> Initialized -> Callable (-> Evolving ->
// Callable)* -> Disposed", with AbortedFatal/Fatal as sinks reachable
// from Callable).
type state int

const (
	stateCallable state = iota
	stateBusy
	statePoisoned
	stateConsumed
	stateDisposed
)

// Options configures Build.
type Options struct {
	Mode      RunMode
	Config    sandmem.Config
	Logger    *hlog.Logger
	LogOutput *Sink
	Deadline  time.Duration // per-call watchdog deadline; 0 disables it
	InitHook  func(*Sandbox) error
}

// Sink is re-exported so callers configuring Options don't need to
// import vmexit directly.
type Sink = vmexit.Sink

// Sandbox is one built, running guest. Building is expensive (it maps
// memory, loads the image, and runs the guest to its entry halt); Call
// is the cheap, repeated operation (spec §4.9 "Call is the hot path").
type Sandbox struct {
	mu    sync.Mutex
	state state

	mode     RunMode
	layout   *sandmem.Layout
	region   *sandmem.Region
	driver   hv.Driver
	registry *hostfunc.Registry
	sink     *vmexit.Sink
	logger   *hlog.Logger
	deadline time.Duration

	image  *loader.LoadedImage
	peb    *sandmem.PEB
	seed   uint64
	corrID string

	snapshot    snapshotOf
	hasSnapshot bool
}

// Build lays out memory, maps it, loads image into the code region,
// seeds the PEB and host-function catalog, creates a driver, and runs
// the guest once to its entry-point halt (spec §4.7 steps 1-6). registry
// is cloned and frozen (spec §4.10, §5 "copy-on-build"); the caller's own
// registry remains mutable for building further sandboxes.
func Build(image []byte, registry *hostfunc.Registry, newDriver func() (hv.Driver, error), opts Options) (*Sandbox, error) {
	corrID := uuid.NewString()

	layout, err := sandmem.NewLayout(opts.Config)
	if err != nil {
		return nil, err
	}

	region, err := sandmem.NewRegion(layout)
	if err != nil {
		return nil, err
	}

	sb := &Sandbox{
		mode:     opts.Mode,
		layout:   layout,
		region:   region,
		registry: registry.Clone(),
		sink:     opts.LogOutput,
		logger:   opts.Logger,
		deadline: opts.Deadline,
		corrID:   corrID,
	}

	if sb.sink == nil {
		sb.sink = vmexit.NewSink(opts.Logger, nil)
	}

	if err := sb.build(image, newDriver); err != nil {
		_ = region.Close()

		return nil, err
	}

	if opts.InitHook != nil {
		if err := opts.InitHook(sb); err != nil {
			_ = sb.Close()

			return nil, fmt.Errorf("sandbox: init hook: %w", err)
		}
	}

	if sb.mode == ModeRecycle {
		sb.snapshot = takeSnapshot(region)
		sb.hasSnapshot = true
	}

	sb.state = stateCallable

	return sb, nil
}

func (sb *Sandbox) build(image []byte, newDriver func() (hv.Driver, error)) error {
	sb.registry.Freeze()

	codeGuestAddr := sb.layout.GuestAddr(sandmem.RegionCode)

	loaded, err := loader.Load(image, sb.region.Slice(sandmem.RegionCode), codeGuestAddr)
	if err != nil {
		return err
	}

	sb.image = loaded

	sandmem.BuildIdentityMap(sb.region.Slice(sandmem.RegionPageTables), sb.layout.GuestAddr(sandmem.RegionPageTables))

	defs := make([]wire.HostFunctionDefinition, 0, len(sb.registry.Definitions()))
	for _, d := range sb.registry.Definitions() {
		defs = append(defs, wire.HostFunctionDefinition{Name: d.Name, ParameterKinds: d.ParameterKinds, ReturnKind: d.ReturnKind})
	}

	defsBuf, err := wire.EncodeHostFunctionDefinitions(defs, sb.region.Slice(sandmem.RegionHostFunctionDefs), hlerr.ErrConfiguration)
	if err != nil {
		return fmt.Errorf("sandbox: encoding host function catalog: %w", err)
	}

	copy(sb.region.Slice(sandmem.RegionHostFunctionDefs), defsBuf)

	var seedBytes [8]byte
	if _, err := rand.Read(seedBytes[:]); err != nil {
		return fmt.Errorf("sandbox: generating stack cookie seed: %w", err)
	}

	sb.seed = binary.LittleEndian.Uint64(seedBytes[:])
	sb.peb = sandmem.BuildPEB(sb.layout, sb.seed)

	driver, err := newDriver()
	if err != nil {
		return fmt.Errorf("%w: %w", hlerr.ErrDriverInit, err)
	}

	sb.driver = driver

	if err := driver.MapMemory(sb.region.HostAddr(), sb.layout.TotalSize, sb.layout.GuestBase()-sb.layout.GuardPageSize); err != nil {
		return err
	}

	copy(sb.region.Slice(sandmem.RegionPEB), sb.peb.Bytes())

	pml4GPA := sb.layout.GuestAddr(sandmem.RegionPageTables)

	regs := hv.EntryRegs(loaded.EntryVA, sb.layout.StackTop(), sb.layout.GuestAddr(sandmem.RegionPEB), sb.seed, sandmem.PageSize, uint64(hlog.LevelInformation))
	if err := driver.SetRegs(regs, hv.FlatCodeSregs(pml4GPA)); err != nil {
		return err
	}

	handler := vmexit.New(sb.region, sb.registry, sb.sink, sb.corrID)

	return sb.runToHalt(handler)
}

// runToHalt drives RunUntilExit/Service until the guest halts or a fatal
// condition is reached (spec §4.5's exit-servicing loop, used both at
// build time for the entry run and by Call for every subsequent call).
func (sb *Sandbox) runToHalt(handler *vmexit.Handler) error {
	for {
		exit, err := sb.driver.RunUntilExit()
		if err != nil {
			return err
		}

		switch exit.Kind {
		case hv.ExitHalt:
			return nil

		case hv.ExitIoOut:
			outcome, err := handler.Service(exit)
			if outcome == vmexit.OutcomeAborted {
				return sb.fatalFromExit(err)
			}

		case hv.ExitMemoryFault:
			return &hlerr.GuestMemoryFault{GPA: exit.FaultGPA, Access: exit.FaultAccess}

		default:
			return hlerr.NewInternal(sb.corrID, fmt.Errorf("sandbox: unexpected exit kind %s (raw=%#x)", exit.Kind, exit.Raw))
		}
	}
}

// fatalFromExit upgrades a CALL_HOST decode failure or an ABORT into the
// richest error available: the guest-error region, if the guest wrote
// one, takes precedence over the bare exit error (spec §4.8 "prefer a
// guest-reported GuestError over a generic one when both are available").
func (sb *Sandbox) fatalFromExit(exitErr error) error {
	if ge, gerr := wire.DecodeGuestError(sb.region.ReadRegion(sandmem.RegionGuestError)); gerr == nil && ge != nil {
		return ge
	}

	return exitErr
}

// Call invokes the guest function name with args (spec §4.9 "Call").
// Single-use sandboxes answer exactly one Call; recycle-mode sandboxes
// restore their post-build snapshot before every call; in-process
// sandboxes run the guest directly on this goroutine's thread.
func (sb *Sandbox) Call(ctx context.Context, name string, args []wire.TypedValue) (wire.TypedValue, error) {
	sb.mu.Lock()

	switch sb.state {
	case statePoisoned:
		sb.mu.Unlock()

		return wire.TypedValue{}, hlerr.ErrSandboxPoisoned
	case stateConsumed:
		sb.mu.Unlock()

		return wire.TypedValue{}, hlerr.ErrSandboxConsumed
	case stateBusy:
		sb.mu.Unlock()

		return wire.TypedValue{}, hlerr.ErrSandboxBusy
	case stateDisposed:
		sb.mu.Unlock()

		return wire.TypedValue{}, fmt.Errorf("%w: sandbox closed", hlerr.ErrConfiguration)
	}

	sb.state = stateBusy
	sb.mu.Unlock()

	ret, err := sb.call(ctx, name, args)

	sb.mu.Lock()
	switch {
	case hlerr.IsFatal(err):
		sb.state = statePoisoned
	case sb.mode == ModeSingleUse:
		sb.state = stateConsumed
	default:
		sb.state = stateCallable
	}
	sb.mu.Unlock()

	return ret, err
}

func (sb *Sandbox) call(ctx context.Context, name string, args []wire.TypedValue) (wire.TypedValue, error) {
	if sb.mode == ModeRecycle && sb.hasSnapshot {
		if err := sb.snapshot.restore(sb.region); err != nil {
			return wire.TypedValue{}, err
		}

		if err := sb.driver.ResetStackPointer(sb.layout.StackTop()); err != nil {
			return wire.TypedValue{}, err
		}
	}

	call := wire.FunctionCall{Name: name, Args: args}

	encoded, err := call.Encode(sb.region.Slice(sandmem.RegionInputData), hlerr.ErrArgumentsTooLarge)
	if err != nil {
		return wire.TypedValue{}, err
	}

	copy(sb.region.Slice(sandmem.RegionInputData), encoded)

	wd := watchdog.New(sb.driver, sb.deadline)
	wd.Arm(ctx)
	defer wd.Disarm()

	handler := vmexit.New(sb.region, sb.registry, sb.sink, sb.corrID)

	if err := sb.runToHalt(handler); err != nil {
		if wd.Cancelled() {
			return wire.TypedValue{}, hlerr.ErrCallCancelled
		}

		return wire.TypedValue{}, err
	}

	if wd.Cancelled() {
		return wire.TypedValue{}, hlerr.ErrCallCancelled
	}

	if ge, gerr := wire.DecodeGuestError(sb.region.ReadRegion(sandmem.RegionGuestError)); gerr == nil && ge != nil {
		return wire.TypedValue{}, ge
	}

	result, err := wire.DecodeFunctionCallResult(sb.region.ReadRegion(sandmem.RegionOutputData))
	if err != nil {
		return wire.TypedValue{}, fmt.Errorf("sandbox: decoding call result: %w", err)
	}

	return result.Return, nil
}

// CorrelationID returns the id tagging every log record and internal
// error this sandbox produces.
func (sb *Sandbox) CorrelationID() string { return sb.corrID }

// Close releases the driver and host mapping. A disposed Sandbox answers
// every subsequent Call with a configuration error.
func (sb *Sandbox) Close() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.state == stateDisposed {
		return nil
	}

	sb.state = stateDisposed

	var err error
	if sb.driver != nil {
		err = sb.driver.Close()
	}

	if cerr := sb.region.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}
