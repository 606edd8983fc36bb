package rpchub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/nuclio/logger"
	nucliozap "github.com/nuclio/zap"
)

var _ = fmt.Printf

var sumMethod = NewMethod2("Calc", "Sum",
	func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	})

// countingLogger counts warnings, for tests that expect
// an exact number of them.
type countingLogger struct {
	logger.Logger
	warns atomic.Int64

	mu       sync.Mutex
	lastWarn string
}

func (l *countingLogger) WarnWith(format interface{}, vars ...interface{}) {
	l.warns.Add(1)
	l.mu.Lock()
	l.lastWarn = fmt.Sprintf("%v", format)
	l.mu.Unlock()
	l.Logger.WarnWith(format, vars...)
}

func (l *countingLogger) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWarn
}

func newTestConfig(name string) *Config {
	cfg := NewConfig()
	cfg.Name = name
	zl, err := nucliozap.NewNuclioZapTest(name)
	panicOn(err)
	cfg.Logger = zl
	return cfg
}

func newTestHub(name string) *Hub {
	h, err := NewHub(newTestConfig(name))
	panicOn(err)
	return h
}

// newTestPair makes a server hub serving Calc.Sum, and a
// client hub whose peers connect to it in-process.
func newTestPair(srvName, cliName string) (srv, cli *Hub) {
	srv = newTestHub(srvName)
	panicOn(srv.Register(sumMethod))
	cli = newTestHub(cliName)
	cli.Connector = &LocalConnector{Server: srv}
	return
}

// blockingConnector never connects until ctx is done.
var blockingConnector = ConnectorFunc(func(ctx context.Context, p *Peer) (*Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
})

func waitFor(what string, d time.Duration, cond func() bool) {
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			panic(fmt.Sprintf("timed out waiting for %v", what))
		}
		time.Sleep(time.Millisecond)
	}
}

func Test100_concurrent_GetPeer_creates_one_peer(t *testing.T) {

	cv.Convey("many goroutines asking for the same PeerRef at once get one and the same Peer", t, func() {

		h := newTestHub("test100")
		defer h.Close()
		h.Connector = blockingConnector

		ref := BackendRef("b1")
		const n = 50
		got := make([]*Peer, n)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				p, err := h.GetPeer(ref)
				panicOn(err)
				got[i] = p
			}(i)
		}
		close(start)
		wg.Wait()

		for i := 1; i < n; i++ {
			cv.So(got[i], cv.ShouldEqual, got[0])
		}
		cv.So(h.PeersCreated(), cv.ShouldEqual, 1)
		cv.So(len(h.Peers()), cv.ShouldEqual, 1)

		p, ok := h.LookupPeer(ref)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(p, cv.ShouldEqual, got[0])
	})
}

func Test101_terminal_peer_is_replaced(t *testing.T) {

	cv.Convey("GetPeer after a Peer went terminal gives a fresh instance with a new ID", t, func() {

		h := newTestHub("test101")
		defer h.Close()
		h.Connector = blockingConnector

		ref := BackendRef("b1")
		p1, err := h.GetPeer(ref)
		panicOn(err)

		p1.Terminate(fmt.Errorf("gone"))
		cv.So(p1.IsTerminal(), cv.ShouldBeTrue)
		cv.So(IsTerminal(p1.ConnectionState().Err), cv.ShouldBeTrue)

		p2, err := h.GetPeer(ref)
		panicOn(err)
		cv.So(p2, cv.ShouldNotEqual, p1)
		cv.So(p2.ID, cv.ShouldNotEqual, p1.ID)
		cv.So(p2.IsTerminal(), cv.ShouldBeFalse)
		cv.So(h.PeersCreated(), cv.ShouldEqual, 2)

		// the old instance stays terminal for good.
		cv.So(p1.IsTerminal(), cv.ShouldBeTrue)
	})
}

func Test102_GetPeer_after_Dispose(t *testing.T) {

	cv.Convey("once Dispose begins, GetPeer and Call fail with ErrAlreadyDisposed", t, func() {

		h := newTestHub("test102")
		h.Connector = blockingConnector

		panicOn(h.Close())
		cv.So(h.IsDisposed(), cv.ShouldBeTrue)

		_, err := h.GetPeer(BackendRef("b1"))
		cv.So(err, cv.ShouldEqual, ErrAlreadyDisposed)

		_, err = h.Call(context.Background(), sumMethod, 1, 2)
		cv.So(isErr(err, ErrAlreadyDisposed), cv.ShouldBeTrue)

		// a second Dispose is a no-op.
		cv.So(h.Close(), cv.ShouldBeNil)
	})
}

func Test103_Dispose_drains_peers(t *testing.T) {

	cv.Convey("Dispose stops every peer and fails their pending calls", t, func() {

		srv := newTestHub("test103srv")
		defer srv.Close()

		started := make(chan struct{}, 1)
		hang := NewMethod0("Slow", "Hang", func(ctx context.Context) (int, error) {
			started <- struct{}{}
			<-ctx.Done()
			return 0, ctx.Err()
		})
		panicOn(srv.Register(hang))

		cli := newTestHub("test103cli")
		cli.Connector = &LocalConnector{Server: srv}

		errc := make(chan error, 1)
		go func() {
			_, err := cli.Call(context.Background(), hang)
			errc <- err
		}()
		<-started

		peers := cli.Peers()
		cv.So(len(peers), cv.ShouldEqual, 1)
		cv.So(peers[0].PendingOutbound(), cv.ShouldEqual, 1)

		panicOn(cli.Close())

		err := <-errc
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(isErr(err, ErrAlreadyDisposed) || IsTerminal(err), cv.ShouldBeTrue)

		cv.So(peers[0].IsTerminal(), cv.ShouldBeTrue)
		cv.So(peers[0].PendingOutbound(), cv.ShouldEqual, 0)
		cv.So(peers[0].Halt.Done.IsClosed(), cv.ShouldBeTrue)
		cv.So(len(cli.Peers()), cv.ShouldEqual, 0)
	})
}

func Test104_Call_typed_result(t *testing.T) {

	cv.Convey("the generic Call returns the typed result, and refuses fire-and-forget methods", t, func() {

		srv, cli := newTestPair("test104srv", "test104cli")
		defer srv.Close()
		defer cli.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sum, err := Call[int](ctx, cli, sumMethod, 20, 22)
		panicOn(err)
		cv.So(sum, cv.ShouldEqual, 42)

		note := NewMethod1("Log", "Note", func(ctx context.Context, s string) (int, error) {
			return 0, nil
		})
		note.NoWait = true
		_, err = Call[int](ctx, cli, note, "x")
		cv.So(err, cv.ShouldEqual, ErrNoWaitResult)

		_, err = Call[string](ctx, cli, sumMethod, 1, 1)
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(err.Error(), cv.ShouldContainSubstring, "returned int")
	})
}
