package rpchub

import (
	"context"
	"fmt"
	"sort"
)

// InvokeFunc runs a method with already-deserialized arguments.
// args holds the pointers produced by MethodDef.NewArgs.
type InvokeFunc func(ctx context.Context, args []any) (any, error)

// MethodDef describes one callable (service, method) pair.
// The typed constructors NewMethod0..NewMethod3 fill in every
// function field; hand-built descriptors must do the same.
type MethodDef struct {
	Service string
	Name    string

	// NewArgs returns fresh pointers to decode arguments into.
	NewArgs func() []any

	// NewResult returns a fresh pointer to decode the result into,
	// and Deref turns that pointer back into the result value.
	NewResult func() any
	Deref     func(ptr any) any

	Invoke InvokeFunc

	// NoWait methods are always sent fire-and-forget.
	NoWait bool

	// DynamicArgs marks methods whose arguments are polymorphic.
	// Their inbound calls pass through the hub's
	// ArgumentValidator before deserialization.
	DynamicArgs bool

	// BackendOnly methods route to the default backend.
	BackendOnly bool
}

func (md *MethodDef) FullName() string {
	return md.Service + "." + md.Name
}

func (md *MethodDef) String() string {
	return "MethodDef{" + md.FullName() + "}"
}

// ArgumentValidator vets an inbound call for a DynamicArgs method
// before its ArgumentData is deserialized. A non-nil error
// completes the call with that error; the target never runs.
type ArgumentValidator func(md *MethodDef, msg *Message) error

func NewMethod0[R any](service, name string, fn func(ctx context.Context) (R, error)) *MethodDef {
	md := newMethodDef[R](service, name)
	md.NewArgs = func() []any { return []any{} }
	md.Invoke = func(ctx context.Context, args []any) (any, error) {
		return fn(ctx)
	}
	return md
}

func NewMethod1[A, R any](service, name string, fn func(ctx context.Context, a A) (R, error)) *MethodDef {
	md := newMethodDef[R](service, name)
	md.NewArgs = func() []any { return []any{new(A)} }
	md.Invoke = func(ctx context.Context, args []any) (any, error) {
		return fn(ctx, *args[0].(*A))
	}
	return md
}

func NewMethod2[A, B, R any](service, name string, fn func(ctx context.Context, a A, b B) (R, error)) *MethodDef {
	md := newMethodDef[R](service, name)
	md.NewArgs = func() []any { return []any{new(A), new(B)} }
	md.Invoke = func(ctx context.Context, args []any) (any, error) {
		return fn(ctx, *args[0].(*A), *args[1].(*B))
	}
	return md
}

func NewMethod3[A, B, C, R any](service, name string, fn func(ctx context.Context, a A, b B, c C) (R, error)) *MethodDef {
	md := newMethodDef[R](service, name)
	md.NewArgs = func() []any { return []any{new(A), new(B), new(C)} }
	md.Invoke = func(ctx context.Context, args []any) (any, error) {
		return fn(ctx, *args[0].(*A), *args[1].(*B), *args[2].(*C))
	}
	return md
}

func newMethodDef[R any](service, name string) *MethodDef {
	return &MethodDef{
		Service:   service,
		Name:      name,
		NewResult: func() any { return new(R) },
		Deref:     func(ptr any) any { return *ptr.(*R) },
	}
}

type methodKey struct {
	service string
	method  string
}

// ServiceRegistry is the (service, method) -> MethodDef table.
// It is filled at startup; lookups are concurrent.
type ServiceRegistry struct {
	defs *Mutexmap[methodKey, *MethodDef]
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		defs: NewMutexmap[methodKey, *MethodDef](),
	}
}

// Register adds methods; registering a name twice is an error.
func (r *ServiceRegistry) Register(mds ...*MethodDef) error {
	for _, md := range mds {
		if md.Invoke == nil || md.NewArgs == nil {
			return fmt.Errorf("rpchub: method %v is missing Invoke or NewArgs", md.FullName())
		}
		if md.Service == SystemService {
			return fmt.Errorf("rpchub: service name %q is reserved", SystemService)
		}
		_, added := r.defs.GetOrSet(methodKey{md.Service, md.Name}, func() *MethodDef { return md })
		if !added {
			return fmt.Errorf("rpchub: method %v registered twice", md.FullName())
		}
	}
	return nil
}

// Lookup finds the descriptor for a call target.
func (r *ServiceRegistry) Lookup(service, method string) (md *MethodDef, ok bool) {
	return r.defs.Get(methodKey{service, method})
}

// Methods lists the registered full names, sorted.
func (r *ServiceRegistry) Methods() (names []string) {
	for _, md := range r.defs.GetValSlice() {
		names = append(names, md.FullName())
	}
	sort.Strings(names)
	return
}
