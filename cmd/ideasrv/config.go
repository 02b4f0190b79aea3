package main

import (
	"io"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/ideactl/comm"
	"github.com/nasa-jpl/ideactl/idea"
	"github.com/nasa-jpl/ideactl/util"
)

// Device describes the serial line to the controller
type Device struct {
	// Addr holds the filesystem address of the port, e.g. /dev/ttyUSB0,
	// or host:port of a terminal server when Driver is tcp
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Baud is the line rate
	Baud int `yaml:"Baud" koanf:"Baud"`

	// Driver is one of bugst, tarm, tcp
	Driver string `yaml:"Driver" koanf:"Driver"`
}

// Config holds the initialization parameters for the server.  It is
// populated by koanf from defaults and the configuration file.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the path routes are served under, e.g. /omc/idea
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	Device Device `yaml:"Device" koanf:"Device"`

	Profile idea.Profile `yaml:"Profile" koanf:"Profile"`

	// Limits holds software limits keyed by axis number
	Limits map[string]util.Limiter `yaml:"Limits" koanf:"Limits"`

	// TickMs is the main loop period
	TickMs int `yaml:"TickMs" koanf:"TickMs"`

	// Tolerance is the smallest position change that is reported
	Tolerance float64 `yaml:"Tolerance" koanf:"Tolerance"`

	// ReportIntervalMs makes an unchanged position be reported this often, 0 = never
	ReportIntervalMs int `yaml:"ReportIntervalMs" koanf:"ReportIntervalMs"`

	// QueryTimeoutMs is how long to wait for a position report before asking again
	QueryTimeoutMs int `yaml:"QueryTimeoutMs" koanf:"QueryTimeoutMs"`

	// RetryIntervalMs is the minimum time between reset attempts
	RetryIntervalMs int `yaml:"RetryIntervalMs" koanf:"RetryIntervalMs"`
}

// DefaultConfig is the configuration used for any field the file omits
func DefaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Endpoint: "",
		Device: Device{
			Addr:   "/dev/ttyUSB0",
			Baud:   57600,
			Driver: comm.DriverBugst},
		Profile:         idea.DefaultProfile(),
		Limits:          map[string]util.Limiter{},
		TickMs:          10,
		Tolerance:       idea.DefaultTolerance,
		QueryTimeoutMs:  int(idea.DefaultQueryTimeout / time.Millisecond),
		RetryIntervalMs: int(idea.DefaultRetryInterval / time.Millisecond)}
}

// LoadConfig layers the file at path over the defaults.  A missing file is
// not an error.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	c := Config{}
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return c, errors.Wrap(err, "loading defaults")
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			return c, errors.Wrapf(err, "loading %s", path)
		}
	}
	if err := k.Unmarshal("", &c); err != nil {
		return c, errors.Wrap(err, "decoding config")
	}
	if c.Limits == nil {
		c.Limits = map[string]util.Limiter{}
	}
	if err := c.Profile.Validate(); err != nil {
		return c, errors.Wrap(err, "Profile")
	}
	if c.TickMs <= 0 {
		return c, errors.Errorf("TickMs must be positive, got %d", c.TickMs)
	}
	return c, nil
}

// WriteConfig encodes c as YAML
func WriteConfig(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}

// SessionOptions converts the timing fields into session options
func (c Config) SessionOptions() []idea.Option {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	opts := []idea.Option{idea.WithTolerance(c.Tolerance)}
	if c.QueryTimeoutMs > 0 {
		opts = append(opts, idea.WithQueryTimeout(ms(c.QueryTimeoutMs)))
	}
	if c.RetryIntervalMs > 0 {
		opts = append(opts, idea.WithRetryInterval(ms(c.RetryIntervalMs)))
	}
	if c.ReportIntervalMs > 0 {
		opts = append(opts, idea.WithReportInterval(ms(c.ReportIntervalMs)))
	}
	return opts
}

// portOpenTimeout bounds each open attempt made from the main loop
const portOpenTimeout = 250 * time.Millisecond

// Port returns a closed serial port for the device
func (c Config) Port() *comm.SerialPort {
	sp := comm.NewSerialPort(c.Device.Addr, c.Device.Baud, c.Device.Driver)
	sp.OpenTimeout = portOpenTimeout
	return sp
}
