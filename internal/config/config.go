package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "TREADMILL"

type Config struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Mock     MockConfig     `mapstructure:"mock"`
	Decoder  DecoderConfig  `mapstructure:"decoder"`
	Controls ControlsConfig `mapstructure:"controls"`
	Log      LogConfig      `mapstructure:"log"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Store    StoreConfig    `mapstructure:"store"`
	Fit      FitConfig      `mapstructure:"fit"`
	Program  ProgramConfig  `mapstructure:"program"`
	UI       UIConfig       `mapstructure:"ui"`
}

type DeviceConfig struct {
	Name           string        `mapstructure:"name"`
	ScanTimeout    time.Duration `mapstructure:"scan_timeout"`
	Mock           bool          `mapstructure:"mock"`
	RequestControl bool          `mapstructure:"request_control"`
}

type MockConfig struct {
	HTTPPort int `mapstructure:"http_port"` // 0 disables the inspection API
}

type DecoderConfig struct {
	DistanceDivisor float64 `mapstructure:"distance_divisor"`
}

type ControlsConfig struct {
	SpeedStep   float64 `mapstructure:"speed_step"`
	MinSpeed    float64 `mapstructure:"min_speed"`
	MaxSpeed    float64 `mapstructure:"max_speed"`
	InclineStep float64 `mapstructure:"incline_step"`
	MinIncline  float64 `mapstructure:"min_incline"`
	MaxIncline  float64 `mapstructure:"max_incline"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type FitConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type ProgramConfig struct {
	File string `mapstructure:"file"`
}

type UIConfig struct {
	Headless bool `mapstructure:"headless"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.name", "FS-34EAB5")
	v.SetDefault("device.scan_timeout", 10*time.Second)
	v.SetDefault("device.mock", false)
	v.SetDefault("device.request_control", false)
	v.SetDefault("mock.http_port", 8080)
	v.SetDefault("decoder.distance_divisor", 1000.0)
	v.SetDefault("controls.speed_step", 0.1)
	v.SetDefault("controls.min_speed", 1.0)
	v.SetDefault("controls.max_speed", 18.0)
	v.SetDefault("controls.incline_step", 1.0)
	v.SetDefault("controls.min_incline", 0.0)
	v.SetDefault("controls.max_incline", 15.0)
	v.SetDefault("log.file", "treadmill.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "treadmill")
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "treadmill.db")
	v.SetDefault("fit.enabled", false)
	v.SetDefault("fit.dir", ".")
	v.SetDefault("program.file", "")
	v.SetDefault("ui.headless", false)
}

// flag name -> config key
var flagKeys = map[string]string{
	"device-name":      "device.name",
	"scan-timeout":     "device.scan_timeout",
	"mock":             "device.mock",
	"request-control":  "device.request_control",
	"mock-http-port":   "mock.http_port",
	"distance-divisor": "decoder.distance_divisor",
	"log-file":         "log.file",
	"redis":            "redis.enabled",
	"redis-addr":       "redis.addr",
	"store":            "store.enabled",
	"store-path":       "store.path",
	"fit":              "fit.enabled",
	"fit-dir":          "fit.dir",
	"program":          "program.file",
	"headless":         "ui.headless",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("treadmill", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path to a YAML config file")
	fs.String("device-name", "", "exact advertised name of the treadmill")
	fs.Duration("scan-timeout", 0, "how long a scan runs before giving up")
	fs.Bool("mock", false, "use the simulated treadmill instead of Bluetooth")
	fs.Bool("request-control", false, "send Request Control once connected")
	fs.Int("mock-http-port", 0, "port of the simulated treadmill's HTTP API, 0 disables it")
	fs.Float64("distance-divisor", 0, "divisor applied to the raw total distance")
	fs.String("log-file", "", "log file path")
	fs.Bool("redis", false, "publish metrics to Redis")
	fs.String("redis-addr", "", "Redis address")
	fs.Bool("store", false, "record samples to SQLite")
	fs.String("store-path", "", "SQLite database path")
	fs.Bool("fit", false, "write a FIT activity file when a session ends")
	fs.String("fit-dir", "", "directory for FIT files")
	fs.String("program", "", "workout program YAML file")
	fs.Bool("headless", false, "run without the terminal dashboard")
	return fs
}

// Load reads configuration from defaults, an optional config file, the
// environment (TREADMILL_DEVICE_NAME etc.) and args, in increasing precedence.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsHelp reports whether Load failed because -h or --help was given.
func IsHelp(err error) bool {
	return errors.Is(err, pflag.ErrHelp)
}
