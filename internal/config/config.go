package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/ambirec/internal/audio"
	"github.com/fmueller/ambirec/internal/platform"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "AMBIREC"

// Config is built once at startup and handed to every component.
type Config struct {
	GroupID     string        `mapstructure:"group_id" validate:"required"`
	Hostname    string        `mapstructure:"hostname" validate:"required"`
	KeepRaw     bool          `mapstructure:"keep_raw"`
	ToolTimeout time.Duration `mapstructure:"tool_timeout" validate:"gt=0"`

	Capture CaptureConfig `mapstructure:"capture"`
	Filter  FilterConfig  `mapstructure:"filter"`
	Denoise DenoiseConfig `mapstructure:"denoise"`
	Encode  EncodeConfig  `mapstructure:"encode"`
	Silence SilenceConfig `mapstructure:"silence"`
	Ship    ShipConfig    `mapstructure:"ship"`
	Journal JournalConfig `mapstructure:"journal"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Log     LogConfig     `mapstructure:"log"`

	settings map[string]any
}

type CaptureConfig struct {
	Backend    string        `mapstructure:"backend" validate:"required"`
	Input      string        `mapstructure:"input"`
	Format     string        `mapstructure:"format"`
	SampleRate int           `mapstructure:"sample_rate" validate:"gte=8000,lte=192000"`
	Channels   int           `mapstructure:"channels" validate:"gte=1,lte=8"`
	FrameSize  int           `mapstructure:"frame_size" validate:"gte=64"`
	Cycle      time.Duration `mapstructure:"cycle" validate:"gt=0"`
	Pause      time.Duration `mapstructure:"pause" validate:"gte=0"`
	Align      bool          `mapstructure:"align"`
	// Grace is how long shutdown waits for the in-flight segment.
	Grace time.Duration `mapstructure:"grace" validate:"gte=0"`
}

type FilterConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	LowHz   float64 `mapstructure:"low_hz" validate:"gt=0"`
	HighHz  float64 `mapstructure:"high_hz" validate:"gtfield=LowHz"`
	Order   int     `mapstructure:"order" validate:"gte=1,lte=12"`
}

func (f FilterConfig) Passband() *audio.Passband {
	if !f.Enabled {
		return nil
	}
	return &audio.Passband{LowHz: f.LowHz, HighHz: f.HighHz, Order: f.Order}
}

type DenoiseConfig struct {
	Mode   string `mapstructure:"mode" validate:"oneof=auto none resemble-enhance"`
	Device string `mapstructure:"device"`
}

type EncodeConfig struct {
	Encoder string `mapstructure:"encoder" validate:"oneof=auto ffmpeg flac none"`
	Level   int    `mapstructure:"level" validate:"gte=0,lte=12"`
}

type SilenceConfig struct {
	Gate          bool    `mapstructure:"gate"`
	ThresholdDBFS float64 `mapstructure:"threshold_dbfs" validate:"lte=0"`
}

type ShipConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TicketURL  string        `mapstructure:"ticket_url" validate:"required_if=Enabled true,omitempty,url"`
	TriggerURL string        `mapstructure:"trigger_url" validate:"required_if=Enabled true,omitempty,url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type JournalConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type PathsConfig struct {
	Spool      string `mapstructure:"spool" validate:"required"`
	Work       string `mapstructure:"work" validate:"required,nefield=Spool"`
	Archive    string `mapstructure:"archive" validate:"required"`
	Recordings string `mapstructure:"recordings"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

type LoadOptions struct {
	// ConfigFile is read when set; otherwise the platform default is read
	// if it exists.
	ConfigFile string
	// EnvFile is loaded into the environment when it exists. Variables that
	// are already set win.
	EnvFile string
	Flags   *pflag.FlagSet
	// FlagKeys maps config keys to flag names in Flags.
	FlagKeys map[string]string
	// Overrides are applied above every other source.
	Overrides map[string]any
}

// Load resolves configuration from defaults, config file, .env file,
// AMBIREC_* environment and flags, later sources winning.
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, opts.ConfigFile); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for key, name := range opts.FlagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				return nil, fmt.Errorf("bind flag %s: no such flag", name)
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	explicit := path != ""
	if !explicit {
		defaultPath, err := platform.ResolveConfigFile()
		if err != nil {
			return nil
		}
		if _, err := os.Stat(defaultPath); err != nil {
			return nil
		}
		path = defaultPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	v.SetDefault("group_id", "group_0")
	v.SetDefault("hostname", hostname)
	v.SetDefault("keep_raw", false)
	v.SetDefault("tool_timeout", "2m")

	v.SetDefault("capture.backend", "auto")
	v.SetDefault("capture.input", "")
	v.SetDefault("capture.format", "")
	v.SetDefault("capture.sample_rate", 44100)
	v.SetDefault("capture.channels", 1)
	v.SetDefault("capture.frame_size", 1024)
	v.SetDefault("capture.cycle", "5m")
	v.SetDefault("capture.pause", "2s")
	v.SetDefault("capture.align", true)
	v.SetDefault("capture.grace", "10s")

	v.SetDefault("filter.enabled", true)
	v.SetDefault("filter.low_hz", 100.0)
	v.SetDefault("filter.high_hz", 4000.0)
	v.SetDefault("filter.order", 6)

	v.SetDefault("denoise.mode", "auto")
	v.SetDefault("denoise.device", "cpu")

	v.SetDefault("encode.encoder", "auto")
	v.SetDefault("encode.level", 8)

	v.SetDefault("silence.gate", false)
	v.SetDefault("silence.threshold_dbfs", -65.0)

	v.SetDefault("ship.enabled", true)
	v.SetDefault("ship.ticket_url", "")
	v.SetDefault("ship.trigger_url", "")
	v.SetDefault("ship.token", "")
	v.SetDefault("ship.timeout", "60s")

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.addr", "localhost:6379")
	v.SetDefault("journal.password", "")
	v.SetDefault("journal.db", 0)
	v.SetDefault("journal.prefix", "ambirec:segment:")
	v.SetDefault("journal.ttl", "24h")

	dirs, err := platform.ResolveDirs()
	if err != nil {
		dirs = platform.Dirs{}
	}
	v.SetDefault("paths.spool", dirs.Spool)
	v.SetDefault("paths.work", dirs.Work)
	v.SetDefault("paths.archive", dirs.Archive)
	v.SetDefault("paths.recordings", dirs.Recordings)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if filepath.Clean(c.Paths.Work) == filepath.Clean(c.Paths.Spool) {
		return fmt.Errorf("invalid config: paths.work must differ from paths.spool (%s)", c.Paths.Spool)
	}
	if band := c.Filter.Passband(); band != nil {
		if err := band.Validate(c.Capture.SampleRate); err != nil {
			return fmt.Errorf("invalid config: filter: %w", err)
		}
	}
	return nil
}

// YAML renders the effective settings with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	settings := c.settings
	if settings == nil {
		settings = map[string]any{}
	}
	return yaml.Marshal(redact(settings))
}

var secretKeys = map[string]bool{"token": true, "password": true}

func redact(settings map[string]any) map[string]any {
	out := make(map[string]any, len(settings))
	for key, value := range settings {
		switch typed := value.(type) {
		case map[string]any:
			out[key] = redact(typed)
		default:
			if secretKeys[key] && fmt.Sprint(value) != "" {
				out[key] = "****"
				continue
			}
			out[key] = value
		}
	}
	return out
}
