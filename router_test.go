package rpchub

import (
	"context"
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test600_topology_membership(t *testing.T) {

	cv.Convey("a Topology keeps its members ordered by kind then key, and versions every change", t, func() {

		topo := NewTopology(BackendRef("c"), ServerRef("a"), BackendRef("a"))
		refs, v0 := topo.Refs()
		cv.So(refs, cv.ShouldResemble, []PeerRef{ServerRef("a"), BackendRef("a"), BackendRef("c")})
		cv.So(topo.Len(), cv.ShouldEqual, 3)
		cv.So(topo.Has(BackendRef("a")), cv.ShouldBeTrue)
		cv.So(topo.Has(BackendRef("b")), cv.ShouldBeFalse)

		ch := topo.Changed()
		cv.So(topo.Add(BackendRef("a")), cv.ShouldBeFalse)
		cv.So(topo.Version(), cv.ShouldEqual, v0)
		select {
		case <-ch:
			panic("a no-op Add must not signal")
		default:
		}

		cv.So(topo.Add(BackendRef("b")), cv.ShouldBeTrue)
		<-ch
		refs, v1 := topo.Refs()
		cv.So(v1, cv.ShouldEqual, v0+1)
		cv.So(refs[2], cv.ShouldResemble, BackendRef("b"))

		// callers own what Refs returns.
		refs[0] = BackendRef("zzz")
		again, _ := topo.Refs()
		cv.So(again[0], cv.ShouldResemble, ServerRef("a"))

		cv.So(topo.Remove(ServerRef("a")), cv.ShouldBeTrue)
		cv.So(topo.Remove(ServerRef("a")), cv.ShouldBeFalse)
		cv.So(topo.Version(), cv.ShouldEqual, v1+1)
		cv.So(topo.String(), cv.ShouldContainSubstring, "backend://b")
	})
}

func Test601_hash_router(t *testing.T) {

	cv.Convey("HashRouter is deterministic for a fixed topology and falls back to the default", t, func() {

		topo := NewTopology(BackendRef("a"), BackendRef("b"), BackendRef("c"))
		r := NewHashRouter(topo)

		seen := map[PeerRef]bool{}
		for i := 0; i < 64; i++ {
			first, err := r.Route(sumMethod, []any{i, 0})
			panicOn(err)
			second, err := r.Route(sumMethod, []any{i, 99})
			panicOn(err)
			// only the first argument is in the key.
			cv.So(second, cv.ShouldResemble, first)
			cv.So(topo.Has(first), cv.ShouldBeTrue)
			seen[first] = true
		}
		cv.So(len(seen), cv.ShouldBeGreaterThan, 1)

		// a second router over an equal topology agrees.
		r2 := NewHashRouter(NewTopology(BackendRef("c"), BackendRef("a"), BackendRef("b")))
		for i := 0; i < 16; i++ {
			a, _ := r.Route(sumMethod, []any{i})
			b, _ := r2.Route(sumMethod, []any{i})
			cv.So(b, cv.ShouldResemble, a)
		}

		backendOnly := NewMethod0("Admin", "Flush", func(ctx context.Context) (int, error) { return 0, nil })
		backendOnly.BackendOnly = true
		ref, err := r.Route(backendOnly, nil)
		panicOn(err)
		cv.So(ref, cv.ShouldResemble, DefaultBackendRef)

		empty := &HashRouter{Topology: NewTopology()}
		ref, err = empty.Route(sumMethod, []any{1})
		panicOn(err)
		cv.So(ref, cv.ShouldResemble, DefaultBackendRef)

		_, err = r.Route(nil, nil)
		cv.So(err, cv.ShouldEqual, ErrNoMethod)

		custom := NewHashRouter(topo)
		custom.KeyOf = func(md *MethodDef, args []any) string { return "fixed" }
		x, _ := custom.Route(sumMethod, []any{1})
		y, _ := custom.Route(sumMethod, []any{2})
		cv.So(y, cv.ShouldResemble, x)

		s := RoutingKeyString("Calc.Sum|1")
		cv.So(strings.HasPrefix(s, "blake3.33B-"), cv.ShouldBeTrue)
		cv.So(s, cv.ShouldEqual, RoutingKeyString("Calc.Sum|1"))
		cv.So(s, cv.ShouldNotEqual, RoutingKeyString("Calc.Sum|2"))
	})
}

func Test602_static_router(t *testing.T) {

	cv.Convey("StaticRouter sends everything to its ref, except BackendOnly methods", t, func() {

		r := &StaticRouter{Ref: BackendRef("x")}
		ref, err := r.Route(sumMethod, nil)
		panicOn(err)
		cv.So(ref, cv.ShouldResemble, BackendRef("x"))

		md := NewMethod0("Admin", "Ping", func(ctx context.Context) (int, error) { return 0, nil })
		md.BackendOnly = true
		ref, _ = r.Route(md, nil)
		cv.So(ref, cv.ShouldResemble, DefaultBackendRef)

		f := RouterFunc(func(md *MethodDef, args []any) (PeerRef, error) {
			return ClientRef(md.FullName()), nil
		})
		ref, _ = f.Route(sumMethod, nil)
		cv.So(ref, cv.ShouldResemble, ClientRef("Calc.Sum"))
	})
}
