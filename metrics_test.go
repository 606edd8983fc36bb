package rpchub

import (
	"context"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func Test650_call_metrics(t *testing.T) {

	cv.Convey("finished calls are counted by direction and outcome, and nothing stays in flight", t, func() {

		srvcfg := newTestConfig("test650srv")
		srvcfg.MetricsRegisterer = prometheus.NewRegistry()
		srv, err := NewHub(srvcfg)
		panicOn(err)
		defer srv.Close()
		panicOn(srv.Register(sumMethod))

		reg := prometheus.NewRegistry()
		clicfg := newTestConfig("test650cli")
		clicfg.MetricsRegisterer = reg
		cli, err := NewHub(clicfg)
		panicOn(err)
		defer cli.Close()
		cli.Connector = &LocalConnector{Server: srv}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := 0; i < 3; i++ {
			_, err = Call[int](ctx, cli, sumMethod, i, i)
			panicOn(err)
		}
		missing := NewMethod0("Calc", "Missing", func(ctx context.Context) (int, error) { return 0, nil })
		_, err = cli.Call(ctx, missing)
		cv.So(isErr(err, ErrNotFound), cv.ShouldBeTrue)

		out := cli.Metrics()
		cv.So(testutil.ToFloat64(out.Calls().WithLabelValues("outbound", "ok")), cv.ShouldEqual, 3)
		cv.So(testutil.ToFloat64(out.Calls().WithLabelValues("outbound", "not_found")), cv.ShouldEqual, 1)
		cv.So(testutil.ToFloat64(out.InFlight().WithLabelValues("outbound")), cv.ShouldEqual, 0)

		in := srv.Metrics()
		cv.So(testutil.ToFloat64(in.Calls().WithLabelValues("inbound", "ok")), cv.ShouldEqual, 3)
		cv.So(testutil.ToFloat64(in.Calls().WithLabelValues("inbound", "not_found")), cv.ShouldEqual, 1)

		n, err := testutil.GatherAndCount(reg, "rpchub_calls_total")
		panicOn(err)
		cv.So(n, cv.ShouldEqual, 2)

		// the same names cannot go into one registry twice.
		_, err = NewCallMetrics("test650cli", reg)
		cv.So(err, cv.ShouldNotBeNil)

		// without a registerer nothing is registered, but counting works.
		m, err := NewCallMetrics("loose", nil)
		panicOn(err)
		m.observe("inbound", "ok")
		cv.So(testutil.ToFloat64(m.Calls().WithLabelValues("inbound", "ok")), cv.ShouldEqual, 1)
	})
}
