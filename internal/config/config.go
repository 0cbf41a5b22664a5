package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the system-wide settings coordinator. Precedence is
// file > environment > defaults.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	Roster    *RosterConfig    `json:"roster"`
	HTTP      *HTTPConfig      `json:"http"`
	Exam      *ExamConfig      `json:"exam"`
	AntiCheat *AntiCheatConfig `json:"anticheat"`
	Realtime  *RealtimeConfig  `json:"realtime"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type RosterConfig struct {
	Path string `json:"path"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// ExamConfig holds session timing policy.
type ExamConfig struct {
	Duration     time.Duration `json:"duration"`
	TimeWarnings []int         `json:"time_warnings"` // minutes-left thresholds
}

// AntiCheatConfig holds the engine's liveness and environment policy. The
// scoring weights themselves are engine policy, not deployment knobs.
type AntiCheatConfig struct {
	HeartbeatInterval  time.Duration `json:"heartbeat_interval"`
	HeartbeatTolerance time.Duration `json:"heartbeat_tolerance"`
	ExpectedTimezone   string        `json:"expected_timezone"`
}

// RealtimeConfig holds transport timing.
type RealtimeConfig struct {
	HeartbeatPushInterval time.Duration `json:"heartbeat_push_interval"`
	TimeWarningInterval   time.Duration `json:"time_warning_interval"`
	WriteTimeout          time.Duration `json:"write_timeout"`
	BufferSize            int           `json:"buffer_size"`
}

// DefaultConfig returns production defaults for a single-classroom
// deployment: 3-hour exams, 30s client heartbeats, countdown warnings at
// 60/30/15/5 minutes.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./proctor.db",
			Timeout: 30 * time.Second,
		},
		Roster: &RosterConfig{
			Path: "./data/classes.json",
		},
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Exam: &ExamConfig{
			Duration:     3 * time.Hour,
			TimeWarnings: []int{60, 30, 15, 5},
		},
		AntiCheat: &AntiCheatConfig{
			HeartbeatInterval:  30 * time.Second,
			HeartbeatTolerance: 10 * time.Second,
			ExpectedTimezone:   "Europe/Sofia",
		},
		Realtime: &RealtimeConfig{
			HeartbeatPushInterval: 15 * time.Second,
			TimeWarningInterval:   60 * time.Second,
			WriteTimeout:          10 * time.Second,
			BufferSize:            100,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Roster == nil || c.Roster.Path == "" {
		return fmt.Errorf("roster path is required")
	}
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.Exam == nil || c.Exam.Duration <= 0 {
		return fmt.Errorf("exam duration must be positive")
	}
	if len(c.Exam.TimeWarnings) == 0 {
		return fmt.Errorf("at least one time warning threshold is required")
	}
	for _, m := range c.Exam.TimeWarnings {
		if m <= 0 {
			return fmt.Errorf("time warning thresholds must be positive minutes")
		}
	}
	if c.AntiCheat == nil {
		return fmt.Errorf("anti-cheat configuration is required")
	}
	if c.AntiCheat.HeartbeatInterval <= 0 || c.AntiCheat.HeartbeatTolerance <= 0 {
		return fmt.Errorf("anti-cheat heartbeat timings must be positive")
	}
	if c.AntiCheat.ExpectedTimezone == "" {
		return fmt.Errorf("expected timezone cannot be empty")
	}
	if c.Realtime == nil {
		return fmt.Errorf("realtime configuration is required")
	}
	if c.Realtime.HeartbeatPushInterval <= 0 || c.Realtime.TimeWarningInterval <= 0 {
		return fmt.Errorf("realtime sweep intervals must be positive")
	}
	if c.Realtime.WriteTimeout <= 0 {
		return fmt.Errorf("realtime write timeout must be positive")
	}
	if c.Realtime.BufferSize <= 0 {
		return fmt.Errorf("realtime buffer size must be positive")
	}
	return nil
}

// LoadFromEnv overlays PROCTOR_* environment variables on the defaults.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PROCTOR_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PROCTOR_DATABASE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.Timeout = d
		}
	}
	if v := os.Getenv("PROCTOR_ROSTER_PATH"); v != "" {
		cfg.Roster.Path = v
	}
	if v := os.Getenv("PROCTOR_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("PROCTOR_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("PROCTOR_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("PROCTOR_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.WriteTimeout = d
		}
	}
	if v := os.Getenv("PROCTOR_EXAM_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Exam.Duration = d
		}
	}
	if v := os.Getenv("PROCTOR_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AntiCheat.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("PROCTOR_HEARTBEAT_TOLERANCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AntiCheat.HeartbeatTolerance = d
		}
	}
	if v := os.Getenv("PROCTOR_EXPECTED_TIMEZONE"); v != "" {
		cfg.AntiCheat.ExpectedTimezone = v
	}
	if v := os.Getenv("PROCTOR_HEARTBEAT_PUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Realtime.HeartbeatPushInterval = d
		}
	}

	return cfg
}

// configFile mirrors Config with string durations for JSON parsing.
type configFile struct {
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	Roster *struct {
		Path string `json:"path"`
	} `json:"roster"`
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	Exam *struct {
		Duration     string `json:"duration"`
		TimeWarnings []int  `json:"time_warnings"`
	} `json:"exam"`
	AntiCheat *struct {
		HeartbeatInterval  string `json:"heartbeat_interval"`
		HeartbeatTolerance string `json:"heartbeat_tolerance"`
		ExpectedTimezone   string `json:"expected_timezone"`
	} `json:"anticheat"`
}

// LoadFromFile reads a JSON configuration file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if file.Database != nil {
		if file.Database.Path != "" {
			cfg.Database.Path = file.Database.Path
		}
		if d, err := time.ParseDuration(file.Database.Timeout); err == nil && file.Database.Timeout != "" {
			cfg.Database.Timeout = d
		}
	}
	if file.Roster != nil && file.Roster.Path != "" {
		cfg.Roster.Path = file.Roster.Path
	}
	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			cfg.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			cfg.HTTP.Port = file.HTTP.Port
		}
		if d, err := time.ParseDuration(file.HTTP.ReadTimeout); err == nil && file.HTTP.ReadTimeout != "" {
			cfg.HTTP.ReadTimeout = d
		}
		if d, err := time.ParseDuration(file.HTTP.WriteTimeout); err == nil && file.HTTP.WriteTimeout != "" {
			cfg.HTTP.WriteTimeout = d
		}
	}
	if file.Exam != nil {
		if d, err := time.ParseDuration(file.Exam.Duration); err == nil && file.Exam.Duration != "" {
			cfg.Exam.Duration = d
		}
		if len(file.Exam.TimeWarnings) > 0 {
			cfg.Exam.TimeWarnings = file.Exam.TimeWarnings
		}
	}
	if file.AntiCheat != nil {
		if d, err := time.ParseDuration(file.AntiCheat.HeartbeatInterval); err == nil && file.AntiCheat.HeartbeatInterval != "" {
			cfg.AntiCheat.HeartbeatInterval = d
		}
		if d, err := time.ParseDuration(file.AntiCheat.HeartbeatTolerance); err == nil && file.AntiCheat.HeartbeatTolerance != "" {
			cfg.AntiCheat.HeartbeatTolerance = d
		}
		if file.AntiCheat.ExpectedTimezone != "" {
			cfg.AntiCheat.ExpectedTimezone = file.AntiCheat.ExpectedTimezone
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults. File
// errors are ignored so env/defaults still work without one.
func LoadConfigWithPrecedence(path string) *Config {
	cfg := LoadFromEnv()
	if path != "" {
		if fileCfg, err := LoadFromFile(path); err == nil {
			cfg = fileCfg
		}
	}
	return cfg
}
