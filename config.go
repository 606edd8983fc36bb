package rpchub

import (
	"os"
	"time"

	"github.com/imdario/mergo"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

const sep = string(os.PathSeparator)

// Config holds the Hub settings. NewConfig gives the defaults;
// LoadConfig reads a YAML file over them.
type Config struct {
	Name string `yaml:"name"`

	// DefaultFormat is the serializer dialing peers use,
	// and what server peers assume when a client names none.
	DefaultFormat string `yaml:"default_format"`

	Reconnect BackoffConfig `yaml:"reconnect"`

	// MaxReconnectAttempts bounds reconnects in a row before
	// the Peer goes Terminal. 0 means keep trying.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// KeepAlivePeriod is how often a Peer refreshes its
	// remote objects; KeepAliveTimeout is how long a local
	// object survives without a refresh.
	KeepAlivePeriod  time.Duration `yaml:"keepalive_period"`
	KeepAliveTimeout time.Duration `yaml:"keepalive_timeout"`

	// MaxGetPeerAttempts bounds the insert-or-replace loop of GetPeer.
	MaxGetPeerAttempts int `yaml:"max_get_peer_attempts"`

	// MaxRerouteAttempts bounds Hub.Call's reroutes after a terminal peer.
	MaxRerouteAttempts int           `yaml:"max_reroute_attempts"`
	RerouteDelay       BackoffConfig `yaml:"reroute_delay"`

	DisposeTimeout time.Duration `yaml:"dispose_timeout"`

	// ServerIdleTimeout ends a server peer that has had no
	// connection for this long. Negative means never.
	ServerIdleTimeout time.Duration `yaml:"server_idle_timeout"`

	// ChannelBuffer sizes in-memory channel pairs.
	ChannelBuffer int `yaml:"channel_buffer"`

	// Compression applies to net.Conn channels: "", "zstd" or "lz4".
	Compression string `yaml:"compression"`

	MaxMessageSize int `yaml:"max_message_size"`

	LogLevel string `yaml:"log_level"`

	// not from the file
	Logger            logger.Logger         `yaml:"-"`
	MetricsRegisterer prometheus.Registerer `yaml:"-"`
}

func NewConfig() *Config {
	return &Config{
		Name:               "rpchub",
		DefaultFormat:      DefaultFormat,
		Reconnect:          defaultReconnectBackoff,
		KeepAlivePeriod:    15 * time.Second,
		KeepAliveTimeout:   time.Minute,
		MaxGetPeerAttempts: 16,
		MaxRerouteAttempts: 4,
		RerouteDelay:       defaultRerouteBackoff,
		DisposeTimeout:     10 * time.Second,
		ServerIdleTimeout:  time.Minute,
		ChannelBuffer:      64,
		MaxMessageSize:     maxMessage,
		LogLevel:           "info",
	}
}

// withDefaults fills every unset field of c from NewConfig.
func (c *Config) withDefaults() (*Config, error) {
	if c == nil {
		return NewConfig(), nil
	}
	out := *c
	if err := mergo.Merge(&out, NewConfig()); err != nil {
		return nil, errors.Wrap(err, "Failed to apply config defaults")
	}
	return &out, nil
}

// LoadConfig reads YAML from path; anything the file
// leaves out keeps its default.
func LoadConfig(path string) (*Config, error) {
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read config file %v", path)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(by, cfg); err != nil {
		return nil, errors.Wrapf(err, "Failed to parse config file %v", path)
	}
	return cfg.withDefaults()
}

// DefaultConfigPath tells us where to look for the config
// file: $XDG_CONFIG_HOME/rpchub/rpchub.yaml if XDG_CONFIG_HOME
// is set, else $HOME/.config/rpchub/rpchub.yaml, else
// rpchub.yaml in the current working directory.
func DefaultConfigPath() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	base := "rpchub.yaml"
	switch {
	case dir != "":
		path = dir + sep + "rpchub" + sep + base
	case home != "":
		path = home + sep + ".config" + sep + "rpchub" + sep + base
	default:
		path = base
	}
	return path
}
