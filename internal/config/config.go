package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr is the default TCP address the trust gateway listens on.
	DefaultAddr = ":43210"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes is the hard ceiling on a single inbound message.
	DefaultMaxPayloadBytes = 10 * 1024
	// DefaultQuarantineDuration is the temporary connection cool-down applied
	// when a rejection carries the shouldBlock hint.
	DefaultQuarantineDuration = 5 * time.Minute
	// DefaultCleanupInterval is the cadence of the background sweep over
	// rate windows, pattern tables, and stale history.
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultMaxBindingsPerPlayer caps concurrent sessions per identity.
	DefaultMaxBindingsPerPlayer = 1

	// DefaultLogLevel controls verbosity for trust layer logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "trust.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept.
	DefaultLogMaxAgeDays = 7
)

// RatePolicy bounds one message class in the configuration file.
type RatePolicy struct {
	Window     time.Duration `yaml:"window"`
	Limit      int           `yaml:"limit"`
	MinSpacing time.Duration `yaml:"min_spacing"`
}

// MessageConfig tunes the content gates of the message pipeline.
type MessageConfig struct {
	DuplicateWindow    time.Duration `yaml:"duplicate_window"`
	DuplicateThreshold int           `yaml:"duplicate_threshold"`
	SpamThreshold      int           `yaml:"spam_threshold"`
}

// ReplayConfig tunes the temporal message checks.
type ReplayConfig struct {
	DriftTolerance time.Duration `yaml:"drift_tolerance"`
	ReplayWindow   time.Duration `yaml:"replay_window"`
	CollisionGap   time.Duration `yaml:"collision_gap"`
}

// AntiCheatConfig tunes the statistical plausibility policy. These are
// heuristics to validate empirically, not correctness constants.
type AntiCheatConfig struct {
	RiskThreshold       float64       `yaml:"risk_threshold"`
	MinMatchDuration    time.Duration `yaml:"min_match_duration"`
	MaxMatchDuration    time.Duration `yaml:"max_match_duration"`
	FutureTolerance     time.Duration `yaml:"future_tolerance"`
	DeviationMultiplier float64       `yaml:"deviation_multiplier"`
	DecayPerSweep       float64       `yaml:"decay_per_sweep"`
	MaxPointsPerRound   int           `yaml:"max_points_per_round"`
	MaxCombinedPerRound int           `yaml:"max_combined_per_round"`
}

// LobbyCodeConfig tunes secure join code issuance.
type LobbyCodeConfig struct {
	Length         int           `yaml:"length"`
	TTL            time.Duration `yaml:"ttl"`
	MaxUsage       int           `yaml:"max_usage"`
	MaxAttempts    int           `yaml:"max_attempts"`
	MinEntropyBits float64       `yaml:"min_entropy_bits"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config captures every runtime tunable for the trust layer. Values come from
// an optional YAML file (TRUST_CONFIG_FILE) overridden by environment
// variables, mirroring how the service is deployed.
type Config struct {
	Address              string                `yaml:"address"`
	AllowedOrigins       []string              `yaml:"allowed_origins"`
	PingInterval         time.Duration         `yaml:"ping_interval"`
	MaxPayloadBytes      int                   `yaml:"max_payload_bytes"`
	AuthSecret           string                `yaml:"auth_secret"`
	AuditDir             string                `yaml:"audit_dir"`
	QuarantineDuration   time.Duration         `yaml:"quarantine_duration"`
	CleanupInterval      time.Duration         `yaml:"cleanup_interval"`
	MaxBindingsPerPlayer int                   `yaml:"max_bindings_per_player"`
	RatePolicies         map[string]RatePolicy `yaml:"rate_policies"`
	Message              MessageConfig         `yaml:"message"`
	Replay               ReplayConfig          `yaml:"replay"`
	AntiCheat            AntiCheatConfig       `yaml:"anti_cheat"`
	LobbyCodes           LobbyCodeConfig       `yaml:"lobby_codes"`
	Logging              LoggingConfig         `yaml:"logging"`
}

// Load resolves the trust layer configuration: defaults, then the optional
// YAML overlay, then environment overrides. Invalid overrides are aggregated
// into one descriptive error.
func Load() (*Config, error) {
	cfg := &Config{
		Address:              DefaultAddr,
		PingInterval:         DefaultPingInterval,
		MaxPayloadBytes:      DefaultMaxPayloadBytes,
		QuarantineDuration:   DefaultQuarantineDuration,
		CleanupInterval:      DefaultCleanupInterval,
		MaxBindingsPerPlayer: DefaultMaxBindingsPerPlayer,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   true,
		},
	}

	var problems []string

	if path := strings.TrimSpace(os.Getenv("TRUST_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read TRUST_CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse TRUST_CONFIG_FILE: %w", err)
		}
	}

	if value := strings.TrimSpace(os.Getenv("TRUST_ADDR")); value != "" {
		cfg.Address = value
	}
	if value := strings.TrimSpace(os.Getenv("TRUST_ALLOWED_ORIGINS")); value != "" {
		cfg.AllowedOrigins = parseList(value)
	}
	if value := strings.TrimSpace(os.Getenv("TRUST_AUTH_SECRET")); value != "" {
		cfg.AuthSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("TRUST_AUDIT_DIR")); value != "" {
		cfg.AuditDir = value
	}
	if value := strings.TrimSpace(os.Getenv("TRUST_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
	if value := strings.TrimSpace(os.Getenv("TRUST_LOG_PATH")); value != "" {
		cfg.Logging.Path = value
	}

	if raw := strings.TrimSpace(os.Getenv("TRUST_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TRUST_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TRUST_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("TRUST_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TRUST_QUARANTINE_DURATION")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("TRUST_QUARANTINE_DURATION must be a positive duration, got %q", raw))
		} else {
			cfg.QuarantineDuration = duration
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TRUST_CLEANUP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("TRUST_CLEANUP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.CleanupInterval = duration
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TRUST_MAX_BINDINGS_PER_PLAYER")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TRUST_MAX_BINDINGS_PER_PLAYER must be a positive integer, got %q", raw))
		} else {
			cfg.MaxBindingsPerPlayer = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TRUST_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TRUST_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TRUST_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("TRUST_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TRUST_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("TRUST_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
