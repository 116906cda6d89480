package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Built-in values used when no configuration file is available, or when a
// loaded file leaves a setting out.
const (
	DefaultInterval      = 60 * time.Second
	DefaultTimeout       = 2 * time.Second
	DefaultCount         = 2
	DefaultLogDir        = "logs"
	DefaultLogPrefix     = "ping_monitor"
	DefaultLogRetain     = 24
	DefaultShutdownGrace = 10 * time.Second
)

var DefaultHosts = []string{
	"8.8.8.8",
	"1.1.1.1",
	"10.18.7.1",
	"10.18.7.2",
	"10.18.7.3",
}

// Default returns the built-in configuration. It has the same shape as a loaded file.
func Default() *Config {
	hosts := make([]Host, 0, len(DefaultHosts))
	for _, addr := range DefaultHosts {
		hosts = append(hosts, Host{Address: addr})
	}
	return &Config{
		Hosts:         hosts,
		Interval:      Interval{Duration: DefaultInterval},
		Timeout:       Interval{Duration: DefaultTimeout},
		Count:         DefaultCount,
		LogDir:        DefaultLogDir,
		LogPrefix:     DefaultLogPrefix,
		LogRetain:     DefaultLogRetain,
		ShutdownGrace: Interval{Duration: DefaultShutdownGrace},
		LogLevel:      "info",
	}
}

func Load(path string) (cfg *Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	// A negative retention marks log_retain as absent, explicit 0 keeps all
	cfg = &Config{LogRetain: -1}
	err = json.Unmarshal(data, &cfg)
	if err != nil {
		return
	}
	if cfg == nil {
		err = errors.New("configuration is empty")
		return
	}

	cfg.fill()
	return
}

// LoadOrDefault loads path, falling back to Default when the file is missing
// or unreadable. The returned bool reports whether the file was used.
func LoadOrDefault(path string, log logrus.FieldLogger) (*Config, bool) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	cfg, err := Load(path)
	switch {
	case err == nil:
		return cfg, true
	case errors.Is(err, os.ErrNotExist):
		log.Warnf("Config file %s not found, using default settings", path)
	default:
		log.Errorf("Invalid config file %s: %v, using default settings", path, err)
	}

	return Default(), false
}

type Config struct {
	Hosts []Host `json:"hosts"`

	// Cycle settings inherited by hosts that do not set their own
	Interval Interval `json:"ping_interval"`
	Timeout  Interval `json:"ping_timeout"`
	Count    int      `json:"ping_count"`

	// Unprivileged selects datagram ICMP sockets instead of raw ones
	Unprivileged bool `json:"unprivileged"`

	LogDir        string   `json:"log_dir"`
	LogPrefix     string   `json:"log_prefix"`
	LogRetain     int      `json:"log_retain"`
	ShutdownGrace Interval `json:"shutdown_grace"`
	LogLevel      string   `json:"log_level"`
}

// fill applies built-in values to settings a file left out. Hosts are never
// filled in: a file with no hosts stays without hosts.
func (c *Config) fill() {
	if c.Interval.Duration == 0 {
		c.Interval.Duration = DefaultInterval
	}
	if c.Timeout.Duration == 0 {
		c.Timeout.Duration = DefaultTimeout
	}
	if c.Count == 0 {
		c.Count = DefaultCount
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.LogPrefix == "" {
		c.LogPrefix = DefaultLogPrefix
	}
	if c.LogRetain < 0 {
		c.LogRetain = DefaultLogRetain
	}
	if c.ShutdownGrace.Duration == 0 {
		c.ShutdownGrace.Duration = DefaultShutdownGrace
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Host is a single probe target. Zero valued cycle settings are inherited
// from the enclosing Config.
type Host struct {
	Address   string   `json:"address"`
	Interval  Interval `json:"interval,omitempty"`
	Timeout   Interval `json:"timeout,omitempty"`
	Count     int      `json:"count,omitempty"`
	Interface string   `json:"interface,omitempty"`

	// decodeErr keeps a malformed entry from failing the whole file
	decodeErr error
}

// UnmarshalJSON accepts either a bare address string or a host object. A
// malformed entry is remembered and rejected later by Validate.
func (h *Host) UnmarshalJSON(data []byte) error {
	var addr string
	if err := json.Unmarshal(data, &addr); err == nil {
		*h = Host{Address: addr}
		return nil
	}

	type plain Host
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		*h = Host{decodeErr: fmt.Errorf("malformed host entry %s: %w", data, err)}
		return nil
	}
	*h = Host(p)
	return nil
}

func (h Host) String() string {
	return fmt.Sprintf("%s every %v (timeout %v, count %d)", h.Address, h.Interval.Duration, h.Timeout.Duration, h.Count)
}

// ResolveHosts resolves inherited settings and returns the runnable hosts in
// configuration order. Invalid entries are skipped with a warning.
func (c *Config) ResolveHosts(log logrus.FieldLogger) (hosts []Host) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	for i, h := range c.Hosts {
		if h.Interval.Duration == 0 {
			h.Interval = c.Interval
		}
		if h.Timeout.Duration == 0 {
			h.Timeout = c.Timeout
		}
		if h.Count == 0 {
			h.Count = c.Count
		}

		if err := h.Validate(); err != nil {
			log.WithField("index", i).Warn("[ CONFIG_SKIP ] ", err)
			continue
		}
		if h.Timeout.Duration >= h.Interval.Duration {
			log.WithField("host", h.Address).Warn("Timeout is not shorter than the interval, cycles may run back to back")
		}
		hosts = append(hosts, h)
	}

	return
}

// Validate checks a resolved host entry.
func (h Host) Validate() error {
	if h.decodeErr != nil {
		return h.decodeErr
	}
	if h.Address == "" {
		return errors.New("host address cannot be empty")
	}
	if h.Interval.Duration <= 0 {
		return fmt.Errorf("host %s: interval must be positive", h.Address)
	}
	if h.Timeout.Duration <= 0 {
		return fmt.Errorf("host %s: timeout must be positive", h.Address)
	}
	if h.Count <= 0 {
		return fmt.Errorf("host %s: count must be positive", h.Address)
	}
	return nil
}

type Interval struct {
	time.Duration
}

// UnmarshalJSON accepts a duration string ("1s") or a number of seconds.
func (d *Interval) UnmarshalJSON(data []byte) (err error) {
	var pstr string
	if err = json.Unmarshal(data, &pstr); err != nil {
		var secs float64
		if nerr := json.Unmarshal(data, &secs); nerr != nil {
			return err
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}

	if secs, perr := strconv.ParseFloat(pstr, 64); perr == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	d.Duration, err = time.ParseDuration(pstr)
	return
}

func (d *Interval) MarshalJSON() (data []byte, err error) {
	s := d.Duration.String()
	data, err = json.Marshal(s)
	return
}
