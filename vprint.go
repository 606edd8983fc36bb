package rpchub

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"4d63.com/tz"
)

// developer trace output; the structured logger
// in logging.go is what operators see.
var verbose bool = false

var gtz *time.Location
var utcTz *time.Location

func init() {
	var err error
	utcTz, err = tz.LoadLocation("UTC")
	panicOn(err)
	gtz = utcTz
}

const rfc3339NanoNumericTZ0pad = "2006-01-02T15:04:05.000000000-07:00"

var showGoID bool = true

// TsPrintfMut keeps concurrent trace lines from interleaving.
var TsPrintfMut sync.Mutex

// vv is for debugging only; calls should not
// survive in committed code paths unless guarded.
func vv(format string, a ...interface{}) {
	if verbose {
		tsPrintf(format, a...)
	}
}

// time-stamped printf
func tsPrintf(format string, a ...interface{}) {
	TsPrintfMut.Lock()
	if showGoID {
		printf("\n%s [goID %v] %s ", fileLine(3), GoroNumber(), ts())
	} else {
		printf("\n%s %s ", fileLine(3), ts())
	}
	printf(format+"\n", a...)
	TsPrintfMut.Unlock()
}

// get timestamp for logging purposes
func ts() string {
	return time.Now().In(gtz).Format(rfc3339NanoNumericTZ0pad)
}

var ourStdout io.Writer = os.Stdout

func printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(ourStdout, format, a...)
}

func fileLine(depth int) string {
	_, fileName, fileLine, ok := runtime.Caller(depth)
	var s string
	if ok {
		s = fmt.Sprintf("%s:%d", path.Base(fileName), fileLine)
	}
	return s
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// return stack dump for calling goroutine.
func stack() string {
	return string(debug.Stack())
}

// GoroNumber returns the calling goroutine's number.
func GoroNumber() int {
	buf := make([]byte, 48)
	nw := runtime.Stack(buf, false)
	buf = buf[:nw]

	// prefix "goroutine " is len 10.
	i := 10
	for i < len(buf) && buf[i] != ' ' && i < 30 {
		i++
	}
	n, err := strconv.Atoi(string(buf[10:i]))
	panicOn(err)
	return n
}
