package rpchub

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test050_config_defaults_fill_gaps(t *testing.T) {

	cv.Convey("NewHub fills every unset Config field from NewConfig, and keeps what was set", t, func() {

		cfg := &Config{
			Name:               "test050",
			MaxRerouteAttempts: 7,
			Reconnect:          BackoffConfig{InitialDelay: time.Millisecond},
		}
		zl := newTestConfig("test050").Logger
		cfg.Logger = zl

		h, err := NewHub(cfg)
		panicOn(err)
		defer h.Close()

		cv.So(h.Name, cv.ShouldEqual, "test050")
		cv.So(h.Cfg.MaxRerouteAttempts, cv.ShouldEqual, 7)
		cv.So(h.Cfg.Reconnect.InitialDelay, cv.ShouldEqual, time.Millisecond)
		cv.So(h.Cfg.Reconnect.MaxDelay, cv.ShouldEqual, defaultReconnectBackoff.MaxDelay)
		cv.So(h.Cfg.MaxGetPeerAttempts, cv.ShouldEqual, 16)
		cv.So(h.Cfg.DefaultFormat, cv.ShouldEqual, FormatMsgpack)
		cv.So(h.Cfg.MaxMessageSize, cv.ShouldEqual, maxMessage)
		cv.So(h.Cfg.ServerIdleTimeout, cv.ShouldEqual, time.Minute)
		cv.So(h.Logger(), cv.ShouldEqual, zl)

		// the caller's struct is left alone.
		cv.So(cfg.MaxGetPeerAttempts, cv.ShouldEqual, 0)

		// a nil Config is all defaults.
		d, err := nil2hub()
		panicOn(err)
		defer d.Close()
		cv.So(d.Cfg.Name, cv.ShouldEqual, "rpchub")
	})
}

func nil2hub() (*Hub, error) {
	var cfg *Config
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	cfg.Logger = newTestConfig("nil-config").Logger
	return NewHub(cfg)
}

func Test051_LoadConfig_reads_yaml(t *testing.T) {

	cv.Convey("LoadConfig parses durations and nested backoff settings, defaulting the rest", t, func() {

		dir := t.TempDir()
		path := filepath.Join(dir, "rpchub.yaml")
		yml := `
name: edge
default_format: json
keepalive_period: 2s
max_reroute_attempts: 9
compression: lz4
reconnect:
  initial_delay: 1ms
  factor: 3
log_level: debug
`
		panicOn(os.WriteFile(path, []byte(yml), 0600))

		cfg, err := LoadConfig(path)
		panicOn(err)
		cv.So(cfg.Name, cv.ShouldEqual, "edge")
		cv.So(cfg.DefaultFormat, cv.ShouldEqual, FormatJSON)
		cv.So(cfg.KeepAlivePeriod, cv.ShouldEqual, 2*time.Second)
		cv.So(cfg.KeepAliveTimeout, cv.ShouldEqual, time.Minute)
		cv.So(cfg.MaxRerouteAttempts, cv.ShouldEqual, 9)
		cv.So(cfg.Compression, cv.ShouldEqual, "lz4")
		cv.So(cfg.Reconnect.InitialDelay, cv.ShouldEqual, time.Millisecond)
		cv.So(cfg.Reconnect.Factor, cv.ShouldEqual, 3.0)
		cv.So(cfg.Reconnect.MaxDelay, cv.ShouldEqual, 5*time.Second)
		cv.So(cfg.LogLevel, cv.ShouldEqual, "debug")

		_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
		cv.So(err, cv.ShouldNotBeNil)

		bad := filepath.Join(dir, "bad.yaml")
		panicOn(os.WriteFile(bad, []byte("name: [unclosed"), 0600))
		_, err = LoadConfig(bad)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test052_config_path_from_env(t *testing.T) {

	cv.Convey("DefaultConfigPath prefers XDG_CONFIG_HOME, then HOME", t, func() {

		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		t.Setenv("HOME", "/home/u")
		cv.So(DefaultConfigPath(), cv.ShouldEqual, "/xdg"+sep+"rpchub"+sep+"rpchub.yaml")

		t.Setenv("XDG_CONFIG_HOME", "")
		cv.So(DefaultConfigPath(), cv.ShouldEqual, "/home/u"+sep+".config"+sep+"rpchub"+sep+"rpchub.yaml")

		t.Setenv("HOME", "")
		cv.So(DefaultConfigPath(), cv.ShouldEqual, "rpchub.yaml")
	})
}

func Test053_unknown_default_format(t *testing.T) {

	cv.Convey("NewHub refuses a default format nobody registered", t, func() {

		cfg := newTestConfig("test053")
		cfg.DefaultFormat = "xml"
		_, err := NewHub(cfg)
		cv.So(isErr(err, ErrUnknownFormat), cv.ShouldBeTrue)

		cv.So(parseLogLevel("WARN"), cv.ShouldEqual, parseLogLevel("warning"))
		cv.So(parseLogLevel("bogus"), cv.ShouldEqual, parseLogLevel("info"))
	})
}
