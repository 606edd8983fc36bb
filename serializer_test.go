package rpchub

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

type point struct {
	X int    `msgpack:"x" json:"x"`
	Y string `msgpack:"y" json:"y"`
}

func Test630_serializers_round_trip_arguments(t *testing.T) {

	cv.Convey("msgpack and json both write and read argument lists and values", t, func() {

		r := NewSerializerResolver()
		cv.So(r.Formats(), cv.ShouldResemble, []string{FormatJSON, FormatMsgpack})

		for _, format := range []string{FormatMsgpack, FormatJSON} {
			ser, err := r.Resolve(format)
			panicOn(err)
			cv.So(ser.Format(), cv.ShouldEqual, format)

			data, err := ser.WriteArgs([]any{42, "hi", point{X: 1, Y: "y"}})
			panicOn(err)

			var a int
			var s string
			var p point
			panicOn(ser.ReadArgs(data, []any{&a, &s, &p}))
			cv.So(a, cv.ShouldEqual, 42)
			cv.So(s, cv.ShouldEqual, "hi")
			cv.So(p, cv.ShouldResemble, point{X: 1, Y: "y"})

			err = ser.ReadArgs(data, []any{&a})
			cv.So(err, cv.ShouldNotBeNil)
			cv.So(err.Error(), cv.ShouldContainSubstring, "argument count mismatch")

			none, err := ser.WriteArgs(nil)
			panicOn(err)
			panicOn(ser.ReadArgs(none, []any{}))

			v, err := ser.WriteValue(&RemoteError{Kind: "k", Message: "m"})
			panicOn(err)
			re := &RemoteError{}
			panicOn(ser.ReadValue(v, re))
			cv.So(re.Error(), cv.ShouldEqual, "k: m")
		}
	})
}

func Test631_serializer_resolver_defaults(t *testing.T) {

	cv.Convey("the empty format picks the default, which can be changed to any registered format", t, func() {

		r := NewSerializerResolver()
		ser, err := r.Resolve("")
		panicOn(err)
		cv.So(ser.Format(), cv.ShouldEqual, DefaultFormat)

		panicOn(r.SetDefault(FormatJSON))
		ser, _ = r.Resolve("")
		cv.So(ser.Format(), cv.ShouldEqual, FormatJSON)

		cv.So(isErr(r.SetDefault("cbor"), ErrUnknownFormat), cv.ShouldBeTrue)
		_, err = r.Resolve("cbor")
		cv.So(isErr(err, ErrUnknownFormat), cv.ShouldBeTrue)
	})
}
