// Package hostfunc implements C10: the host-function registry, an
// ordered name-to-callable mapping that becomes immutable once a sandbox
// is built.
//
// Grounded on gokvm's device/device.go, which defines a tiny interface
// (IODevice) keyed by identity for dispatch; here the key is the
// function name instead of a port number, and registration is only legal
// before the owning sandbox is built (spec §4.10).
package hostfunc

import (
	"fmt"

	"github.com/hyperlight-dev/hyperlight-go/hlerr"
	"github.com/hyperlight-dev/hyperlight-go/wire"
)

// Callable is a host function reachable from the guest. It receives the
// already-validated, already-typed arguments and returns a single
// TypedValue (or a zero Kind for void) plus an error.
type Callable func(args []wire.TypedValue) (wire.TypedValue, error)

// Definition is one registered host function's signature.
type Definition struct {
	Name           string
	ParameterKinds []wire.Kind
	ReturnKind     wire.Kind // wire.KindVoid if the function returns nothing
	Fn             Callable
}

// Registry is an ordered, name-unique set of Definitions. It is mutable
// only before Freeze is called (spec §4.10: "Registration succeeds only
// before a sandbox is built; after build, the registry is immutable").
type Registry struct {
	order  []string
	byName map[string]Definition
	frozen bool
}

// NewRegistry returns an empty, mutable Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Definition)}
}

// Register adds fn under name with the given signature. It fails if the
// registry is frozen or name is already registered.
func (r *Registry) Register(name string, paramKinds []wire.Kind, returnKind wire.Kind, fn Callable) error {
	if r.frozen {
		return fmt.Errorf("%w: registry is frozen", hlerr.ErrConfiguration)
	}

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: duplicate host function name %q", hlerr.ErrConfiguration, name)
	}

	r.order = append(r.order, name)
	r.byName[name] = Definition{Name: name, ParameterKinds: paramKinds, ReturnKind: returnKind, Fn: fn}

	return nil
}

// Freeze makes the registry immutable. Called once by Sandbox construction
// (spec §4.10, §3 "copy-on-build: each sandbox owns its snapshot").
func (r *Registry) Freeze() { r.frozen = true }

// Clone returns an independent, still-mutable copy of r (used by Sandbox
// construction to give each sandbox its own snapshot per spec §5 "The
// host-function registry is copy-on-build").
func (r *Registry) Clone() *Registry {
	c := NewRegistry()
	c.order = append([]string(nil), r.order...)

	for k, v := range r.byName {
		c.byName[k] = v
	}

	return c
}

// Definitions returns the registered functions in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}

	return out
}

// Lookup finds the Definition for name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.byName[name]

	return d, ok
}

// Invoke validates args against def's declared parameter kinds (arity and
// per-position type) and calls it. A mismatch is reported as
// ErrHostFunctionTypeMismatch rather than invoking the callable (spec
// §4.10).
func Invoke(def Definition, args []wire.TypedValue) (wire.TypedValue, error) {
	if len(args) != len(def.ParameterKinds) {
		return wire.TypedValue{}, fmt.Errorf("%w: %s wants %d arguments, got %d",
			hlerr.ErrHostFunctionTypeMismatch, def.Name, len(def.ParameterKinds), len(args))
	}

	for i, want := range def.ParameterKinds {
		if args[i].Kind != want {
			return wire.TypedValue{}, fmt.Errorf("%w: %s argument %d: want %v, got %v",
				hlerr.ErrHostFunctionTypeMismatch, def.Name, i, want, args[i].Kind)
		}
	}

	return def.Fn(args)
}

// KindOf returns the wire.Kind that corresponds to a Go value's dynamic
// type, used by host code building Definitions from ordinary Go
// functions via reflection-free literal registration. Exposed as a
// convenience; Register itself never calls this.
func KindOf(v any) (wire.Kind, bool) {
	switch v.(type) {
	case int32:
		return wire.KindI32, true
	case int64:
		return wire.KindI64, true
	case uint32:
		return wire.KindU32, true
	case uint64:
		return wire.KindU64, true
	case bool:
		return wire.KindBool, true
	case string:
		return wire.KindString, true
	case []byte:
		return wire.KindByteArray, true
	default:
		return 0, false
	}
}
