package espboot

import (
	"io"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config holds the session settings. It can be loaded from YAML, with
// durations written as strings such as "500ms".
type Config struct {
	Baud   int           `yaml:"baud"`
	Driver string        `yaml:"driver"`
	Reset  ResetStrategy `yaml:"reset"`

	ResetDelay      time.Duration `yaml:"reset_delay"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	BannerTimeout   time.Duration `yaml:"banner_timeout"`
	SyncTimeout     time.Duration `yaml:"sync_timeout"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	IntervalTimeout time.Duration `yaml:"interval_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	SyncRetries     int           `yaml:"sync_retries"`

	MACRegister0 uint32 `yaml:"mac_register0"`
	MACRegister1 uint32 `yaml:"mac_register1"`
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Baud:            115200,
		Driver:          DriverBugst,
		Reset:           ResetAuto,
		ResetDelay:      DefaultResetDelay,
		PollInterval:    10 * time.Millisecond,
		BannerTimeout:   time.Second,
		SyncTimeout:     500 * time.Millisecond,
		CommandTimeout:  time.Second,
		IntervalTimeout: 100 * time.Millisecond,
		DrainTimeout:    100 * time.Millisecond,
		SyncRetries:     5,
		MACRegister0:    EfuseMACReg0,
		MACRegister1:    EfuseMACReg1,
	}
}

// LoadConfig reads YAML settings from r on top of DefaultConfig.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config")
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings for values the session cannot work with.
func (c Config) Validate() error {
	if c.Baud <= 0 {
		return errors.Errorf("invalid baud rate %d", c.Baud)
	}
	if !c.Reset.Valid() {
		return errors.Errorf("invalid reset strategy %q", c.Reset)
	}
	if _, err := OpenerForDriver(c.Driver); err != nil {
		return err
	}
	if c.SyncRetries < 1 {
		return errors.Errorf("sync retries must be at least 1, got %d", c.SyncRetries)
	}
	timeouts := []struct {
		name  string
		value time.Duration
	}{
		{"poll interval", c.PollInterval},
		{"banner timeout", c.BannerTimeout},
		{"sync timeout", c.SyncTimeout},
		{"command timeout", c.CommandTimeout},
		{"interval timeout", c.IntervalTimeout},
		{"drain timeout", c.DrainTimeout},
	}
	for _, t := range timeouts {
		if t.value <= 0 {
			return errors.Errorf("%s must be positive", t.name)
		}
	}
	return nil
}

func (c Config) receiverConfig() ReceiverConfig {
	return ReceiverConfig{
		PollInterval:    c.PollInterval,
		CompleteTimeout: c.CommandTimeout,
		IntervalTimeout: c.IntervalTimeout,
	}
}
