package rpchub

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test610_backoff_grows_and_caps(t *testing.T) {

	cv.Convey("expBackoff grows by Factor, stays near MaxDelay once there, and starts over after reset", t, func() {

		cfg := BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Factor:       2,
			Jitter:       0.2,
		}
		b := newExpBackoff(cfg)

		first := b.next()
		cv.So(first, cv.ShouldBeGreaterThanOrEqualTo, 9*time.Millisecond)
		cv.So(first, cv.ShouldBeLessThanOrEqualTo, 11*time.Millisecond)

		second := b.next()
		cv.So(second, cv.ShouldBeGreaterThanOrEqualTo, 18*time.Millisecond)
		cv.So(second, cv.ShouldBeLessThanOrEqualTo, 22*time.Millisecond)

		for i := 0; i < 20; i++ {
			d := b.next()
			cv.So(d, cv.ShouldBeLessThanOrEqualTo, time.Duration(float64(cfg.MaxDelay)*1.1))
		}
		cv.So(b.last.IsZero(), cv.ShouldBeFalse)

		b.reset()
		cv.So(b.attempt, cv.ShouldEqual, 0)
		cv.So(b.next(), cv.ShouldBeLessThanOrEqualTo, 11*time.Millisecond)

		// a Factor under 1 would shrink; it is raised to 1.
		flat := newExpBackoff(BackoffConfig{InitialDelay: time.Millisecond, Factor: 0.5})
		for i := 0; i < 5; i++ {
			cv.So(flat.next(), cv.ShouldEqual, time.Millisecond)
		}
	})
}
