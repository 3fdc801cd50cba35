package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"voxrec/hotkey"
	"voxrec/voice"
)

// Config is the on-disk configuration. Durations are Go duration strings.
type Config struct {
	Server          string  `yaml:"server"`
	Token           string  `yaml:"token,omitempty"`
	DB              string  `yaml:"db"`
	Device          string  `yaml:"device,omitempty"`
	Hotkey          string  `yaml:"hotkey"`
	LongPress       string  `yaml:"longpress"`
	CancelDistance  float64 `yaml:"cancel_distance"`
	DrainInterval   string  `yaml:"drain_interval"`
	ResultTimeout   string  `yaml:"result_timeout"`
	SilenceAutoStop string  `yaml:"silence_auto_stop"`
	ArchiveDir      string  `yaml:"archive_dir,omitempty"`
}

func DefaultConfig() *Config {
	d := voice.DefaultConfig()
	return &Config{
		Server:          "http://localhost:8080",
		DB:              filepath.Join(dataDir(), "records.db"),
		Hotkey:          "ctrl+shift+space",
		LongPress:       d.MinHold.String(),
		CancelDistance:  d.CancelDistance,
		DrainInterval:   d.DrainInterval.String(),
		ResultTimeout:   d.ResultTimeout.String(),
		SilenceAutoStop: d.SilenceAutoStop.String(),
	}
}

// DefaultPath is $XDG_CONFIG_HOME/voxrec/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "voxrec.yaml"
	}
	return filepath.Join(dir, "voxrec", "config.yaml")
}

func dataDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "voxrec")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "voxrec")
}

// Load reads path over the defaults. A missing file is not an error.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	// The file may hold a token.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VOXREC_SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv("VOXREC_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("VOXREC_DB"); v != "" {
		c.DB = v
	}
}

// Validate checks every key and names the first bad one.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: server: %q is not an http(s) URL", c.Server)
	}
	if c.DB == "" {
		return fmt.Errorf("config: db: must not be empty")
	}
	if _, err := hotkey.ParseBinding(c.Hotkey); err != nil {
		return fmt.Errorf("config: hotkey: %w", err)
	}
	if c.CancelDistance < 0 {
		return fmt.Errorf("config: cancel_distance: must not be negative")
	}
	for _, d := range []struct {
		key, val string
		allowOff bool
	}{
		{"longpress", c.LongPress, false},
		{"drain_interval", c.DrainInterval, false},
		{"result_timeout", c.ResultTimeout, false},
		{"silence_auto_stop", c.SilenceAutoStop, true},
	} {
		if _, err := parseDuration(d.val, d.allowOff); err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
	}
	return nil
}

// parseDuration accepts a positive duration, or "off"/"0" when allowOff.
// Off is returned as a negative duration.
func parseDuration(s string, allowOff bool) (time.Duration, error) {
	if allowOff && (s == "off" || s == "0") {
		return -1, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%q must be positive", s)
	}
	return d, nil
}

// Voice maps the file settings onto a voice.Config. Call Validate first;
// unparsable values fall back to defaults.
func (c *Config) Voice() voice.Config {
	v := voice.DefaultConfig()
	if d, err := parseDuration(c.LongPress, false); err == nil {
		v.MinHold = d
	}
	if d, err := parseDuration(c.DrainInterval, false); err == nil {
		v.DrainInterval = d
	}
	if d, err := parseDuration(c.ResultTimeout, false); err == nil {
		v.ResultTimeout = d
	}
	if d, err := parseDuration(c.SilenceAutoStop, true); err == nil {
		v.SilenceAutoStop = d
	}
	if c.CancelDistance > 0 {
		v.CancelDistance = c.CancelDistance
	}
	return v
}

func (c *Config) Binding() hotkey.Binding {
	b, err := hotkey.ParseBinding(c.Hotkey)
	if err != nil {
		return hotkey.DefaultBinding
	}
	return b
}
