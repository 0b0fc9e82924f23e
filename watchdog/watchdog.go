// Package watchdog implements C9: a per-call wall-clock deadline that
// forcibly cancels a guest execution that runs too long.
//
// Grounded on gokvm's vmm.Boot (vmm/vmm.go), which starts a goroutine per
// vCPU and a second goroutine pumping stdin into the guest, then
// sync.WaitGroup.Waits for them; here there is exactly one goroutine
// (the call's own), and the watchdog's timer goroutine plays the role
// vmm.Boot's stdin-reader goroutine plays: watching something external
// to the running vCPU and reacting (there: injecting an IRQ on input;
// here: calling Cancel on timeout).
package watchdog

import (
	"context"
	"sync"
	"time"
)

// Canceller is the subset of hv.Driver a Watchdog needs: the ability to
// request that an in-flight RunUntilExit return promptly (spec §4.9
// "invokes the driver's cancel capability").
type Canceller interface {
	Cancel() error
}

// Watchdog arms a single wall-clock deadline around one call and invokes
// the driver's cancel capability if it expires before Disarm is called
// (spec §4.9: "arms when a call begins and disarms when it ends").
//
// A Watchdog is single-use: Arm starts its timer goroutine, Disarm stops
// it; construct a new Watchdog per call rather than reusing one, the
// same way a Sandbox call dispatch is itself single-shot per §4.7.
type Watchdog struct {
	driver   Canceller
	deadline time.Duration

	mu        sync.Mutex
	cancelled bool

	timer *time.Timer
	done  chan struct{}
}

// New returns a Watchdog that, once armed, cancels driver after deadline
// elapses. A zero or negative deadline means no timeout is enforced.
func New(driver Canceller, deadline time.Duration) *Watchdog {
	return &Watchdog{driver: driver, deadline: deadline}
}

// Arm starts the deadline timer. Call Disarm exactly once after the
// supervised run_until_exit loop returns, whether it succeeded, failed,
// or was itself cancelled by ctx.
func (w *Watchdog) Arm(ctx context.Context) {
	if w.deadline <= 0 {
		return
	}

	w.done = make(chan struct{})
	w.timer = time.NewTimer(w.deadline)

	go func() {
		select {
		case <-w.timer.C:
			w.mu.Lock()
			w.cancelled = true
			w.mu.Unlock()

			_ = w.driver.Cancel()
		case <-ctx.Done():
		case <-w.done:
		}
	}()
}

// Disarm stops the deadline timer. Safe to call even if Arm was a no-op
// (deadline <= 0) or was never called.
func (w *Watchdog) Disarm() {
	if w.timer != nil {
		w.timer.Stop()
	}

	if w.done != nil {
		close(w.done)
	}
}

// Cancelled reports whether the deadline fired before Disarm was called,
// i.e. whether the caller should treat the run's outcome as
// ErrCallCancelled rather than whatever error the driver itself returned
// (spec §4.9: "a cancelled run yields CallCancelled and poisons the
// sandbox").
func (w *Watchdog) Cancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cancelled
}
