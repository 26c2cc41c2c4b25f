package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	ThreatDelta ThreatDeltaConfig `yaml:"threatdelta"`
}

// ThreatDeltaConfig is the project configuration.
type ThreatDeltaConfig struct {
	Source  SourceConfig  `yaml:"source"`
	Output  OutputConfig  `yaml:"output"`
	Store   StoreConfig   `yaml:"store"`
	Scoring ScoringConfig `yaml:"scoring"`
	Diff    DiffConfig    `yaml:"diff"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// SourceConfig locates the read-only source snapshot.
type SourceConfig struct {
	Owner  string `yaml:"owner"`
	Repo   string `yaml:"repo"`
	Branch string `yaml:"branch"`
	Path   string `yaml:"path"`
}

// OutputConfig locates the published artifacts in the output repository.
type OutputConfig struct {
	Owner             string `yaml:"owner"`
	Repo              string `yaml:"repo"`
	Branch            string `yaml:"branch"`
	SnapshotPath      string `yaml:"snapshot_path"`
	ChangesLatestPath string `yaml:"changes_latest_path"`
	ChangesHistoryDir string `yaml:"changes_history_dir"`
	StateIndexPath    string `yaml:"state_index_path"`
}

// StoreConfig selects and tunes the blob store backend.
type StoreConfig struct {
	Mode    string        `yaml:"mode"` // github|redis
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the redis store backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ScoringConfig holds the tier thresholds.
type ScoringConfig struct {
	SuspiciousThreshold float64 `yaml:"suspicious_threshold"`
	MaliciousThreshold  float64 `yaml:"malicious_threshold"`
}

// DiffConfig tunes change detection.
type DiffConfig struct {
	DeltaMin     float64 `yaml:"delta_min"`
	EmitRemovals bool    `yaml:"emit_removals"`
}

// MetricsConfig controls the optional Pushgateway export.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the invariants the core logic assumes instead of
// re-checking on every call.
func (c *Config) Validate() error {
	td := &c.ThreatDelta

	if td.Scoring.SuspiciousThreshold > td.Scoring.MaliciousThreshold {
		return fmt.Errorf("scoring: suspicious_threshold %v must not exceed malicious_threshold %v",
			td.Scoring.SuspiciousThreshold, td.Scoring.MaliciousThreshold)
	}
	if td.Diff.DeltaMin < 0 {
		return fmt.Errorf("diff: delta_min must not be negative, got %v", td.Diff.DeltaMin)
	}

	switch td.Store.Mode {
	case "github":
		if td.Source.Owner == "" || td.Source.Repo == "" {
			return fmt.Errorf("source: owner and repo are required for the github store")
		}
		if td.Output.Owner == "" || td.Output.Repo == "" {
			return fmt.Errorf("output: owner and repo are required for the github store")
		}
	case "redis":
	default:
		return fmt.Errorf("store: unknown mode %q", td.Store.Mode)
	}

	return nil
}
