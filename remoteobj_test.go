package rpchub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

type fakeObject struct {
	id   int64
	kind ObjectKind

	mu           sync.Mutex
	tokens       []string
	disconnected int
	failWith     error
}

func (o *fakeObject) ObjectID() int64  { return o.id }
func (o *fakeObject) Kind() ObjectKind { return o.kind }

func (o *fakeObject) Reconnect(ctx context.Context, token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tokens = append(o.tokens, token)
	return o.failWith
}

func (o *fakeObject) Disconnect() {
	o.mu.Lock()
	o.disconnected++
	o.mu.Unlock()
}

func (o *fakeObject) disconnects() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disconnected
}

func Test700_shared_object_tracker(t *testing.T) {

	cv.Convey("the tracker refreshes local objects, sweeps stale ones, and lists remote ones in order", t, func() {

		tr := NewSharedObjectTracker()
		loc := &fakeObject{id: tr.NextID(), kind: ObjectLocal}
		r1 := &fakeObject{id: tr.NextID(), kind: ObjectRemote}
		r2 := &fakeObject{id: tr.NextID(), kind: ObjectRemote}
		cv.So(loc.id, cv.ShouldEqual, 1)

		panicOn(tr.Register(r2))
		panicOn(tr.Register(loc))
		panicOn(tr.Register(r1))
		cv.So(tr.Register(loc), cv.ShouldNotBeNil)
		cv.So(tr.Len(), cv.ShouldEqual, 3)
		cv.So(tr.RemoteIDs(), cv.ShouldResemble, []int64{r1.id, r2.id})

		// only local objects take keepalives.
		later := time.Now().Add(time.Hour)
		cv.So(tr.KeepAlive([]int64{loc.id, r1.id, 99}, later), cv.ShouldEqual, 1)
		seen, ok := tr.LastSeen(loc.id)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(seen.Equal(later), cv.ShouldBeTrue)

		cv.So(tr.Sweep(later.Add(time.Second), time.Minute), cv.ShouldBeEmpty)
		stale := tr.Sweep(later.Add(2*time.Minute), time.Minute)
		cv.So(stale, cv.ShouldResemble, []int64{loc.id})
		cv.So(loc.disconnects(), cv.ShouldEqual, 1)
		_, ok = tr.Get(loc.id)
		cv.So(ok, cv.ShouldBeFalse)

		// remote objects are never swept here.
		cv.So(tr.Len(), cv.ShouldEqual, 2)

		tr.DisconnectIDs([]int64{r1.id, 12345})
		cv.So(r1.disconnects(), cv.ShouldEqual, 1)
		cv.So(tr.Unregister(r2.id), cv.ShouldBeTrue)
		cv.So(tr.Unregister(r2.id), cv.ShouldBeFalse)
		cv.So(r2.disconnects(), cv.ShouldEqual, 0)
		cv.So(tr.Len(), cv.ShouldEqual, 0)

		cv.So(ObjectLocal.String(), cv.ShouldEqual, "local")
		cv.So(ObjectKind(9).String(), cv.ShouldEqual, "ObjectKind(9)")
	})
}

func Test701_reconnect_all_tries_everything(t *testing.T) {

	cv.Convey("reconnectAll reports the first failure but reconnects every object", t, func() {

		tr := NewSharedObjectTracker()
		a := &fakeObject{id: 1, kind: ObjectLocal, failWith: fmt.Errorf("stream gone")}
		b := &fakeObject{id: 2, kind: ObjectLocal}
		panicOn(tr.Register(a))
		panicOn(tr.Register(b))

		err := tr.reconnectAll(context.Background(), "tok")
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(err.Error(), cv.ShouldContainSubstring, "stream gone")
		cv.So(a.tokens, cv.ShouldResemble, []string{"tok"})
		cv.So(b.tokens, cv.ShouldResemble, []string{"tok"})

		tr.disconnectAll()
		cv.So(a.disconnects(), cv.ShouldEqual, 1)
		cv.So(b.disconnects(), cv.ShouldEqual, 1)
		cv.So(tr.Len(), cv.ShouldEqual, 0)
	})
}

func Test702_keepalive_and_release_over_a_peer(t *testing.T) {

	cv.Convey("a client refreshes its remote objects on the server peer and releases them with Disconnect", t, func() {

		srv := newTestHub("test702srv")
		defer srv.Close()
		panicOn(srv.Register(sumMethod))

		cfg := newTestConfig("test702cli")
		cfg.KeepAlivePeriod = 10 * time.Millisecond
		cli, err := NewHub(cfg)
		panicOn(err)
		defer cli.Close()
		cli.Connector = &LocalConnector{Server: srv}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err = Call[int](ctx, cli, sumMethod, 1, 2)
		panicOn(err)

		cp, _ := cli.LookupPeer(DefaultBackendRef)
		sp := srv.Peers()[0]

		local := &fakeObject{id: 7, kind: ObjectLocal}
		panicOn(sp.Objects.Register(local))
		before, _ := sp.Objects.LastSeen(7)

		panicOn(cp.Objects.Register(&fakeObject{id: 7, kind: ObjectRemote}))
		waitFor("a KeepAlive to refresh object 7", 10*time.Second, func() bool {
			seen, ok := sp.Objects.LastSeen(7)
			return ok && seen.After(before)
		})

		panicOn(cp.ReleaseObjects(7))
		waitFor("object 7 to be disconnected", 10*time.Second, func() bool {
			return local.disconnects() == 1
		})
		cv.So(cp.Objects.Len(), cv.ShouldEqual, 0)
		cv.So(sp.Objects.Len(), cv.ShouldEqual, 0)
	})
}
