package config

import (
	"fmt"
	"math"
)

// Validate checks configuration correctness.
// It performs declarative validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if cfg.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be positive, got %v", cfg.Device.ScanTimeout)
	}
	if cfg.Mock.HTTPPort < 0 || cfg.Mock.HTTPPort > math.MaxUint16 {
		return fmt.Errorf("mock.http_port %d out of range", cfg.Mock.HTTPPort)
	}
	if cfg.Decoder.DistanceDivisor <= 0 {
		return fmt.Errorf("decoder.distance_divisor must be positive, got %v", cfg.Decoder.DistanceDivisor)
	}

	c := cfg.Controls
	if c.SpeedStep <= 0 || c.InclineStep <= 0 {
		return fmt.Errorf("controls: speed_step and incline_step must be positive")
	}
	if c.MinSpeed < 0 || c.MinSpeed >= c.MaxSpeed {
		return fmt.Errorf("controls: need 0 <= min_speed < max_speed, got %v..%v", c.MinSpeed, c.MaxSpeed)
	}
	// 655.35 km/h is the largest speed the control point can carry
	if c.MaxSpeed > math.MaxUint16/100.0 {
		return fmt.Errorf("controls: max_speed %v exceeds %v", c.MaxSpeed, math.MaxUint16/100.0)
	}
	if c.MinIncline >= c.MaxIncline {
		return fmt.Errorf("controls: need min_incline < max_incline, got %v..%v", c.MinIncline, c.MaxIncline)
	}

	if cfg.Log.File == "" {
		return fmt.Errorf("log.file must not be empty")
	}
	if cfg.Log.MaxSizeMB <= 0 || cfg.Log.MaxBackups < 0 {
		return fmt.Errorf("log: max_size_mb must be positive and max_backups not negative")
	}

	if cfg.Redis.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when redis is enabled")
		}
		if cfg.Redis.Key == "" {
			return fmt.Errorf("redis.key is required when redis is enabled")
		}
		if cfg.Redis.DB < 0 {
			return fmt.Errorf("redis.db must not be negative")
		}
	}
	if cfg.Store.Enabled && cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required when the store is enabled")
	}
	if cfg.Fit.Enabled && cfg.Fit.Dir == "" {
		return fmt.Errorf("fit.dir is required when FIT export is enabled")
	}
	return nil
}
