package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threatdelta.yml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigParsesNestedSections(t *testing.T) {
	path := writeConfig(t, `
threatdelta:
  source:
    owner: acme
    repo: topology-src
    branch: main
    path: Data/network_topology.json
  output:
    owner: acme
    repo: topology-out
    snapshot_path: Data/network_topology_scored.json
    changes_latest_path: Data/changes/latest.json
    changes_history_dir: Data/changes/history
    state_index_path: Data/state/index.json
  store:
    mode: github
    timeout: 45s
    retries: 2
  scoring:
    suspicious_threshold: 0.4
    malicious_threshold: 0.9
  diff:
    delta_min: 0.01
    emit_removals: true
  logging:
    enabled: true
    level: debug
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	td := cfg.ThreatDelta
	if td.Source.Repo != "topology-src" || td.Source.Path != "Data/network_topology.json" {
		t.Fatalf("unexpected source: %+v", td.Source)
	}
	if td.Output.ChangesHistoryDir != "Data/changes/history" {
		t.Fatalf("unexpected output: %+v", td.Output)
	}
	if td.Store.Mode != "github" || td.Store.Timeout != 45*time.Second || td.Store.Retries != 2 {
		t.Fatalf("unexpected store: %+v", td.Store)
	}
	if td.Scoring.SuspiciousThreshold != 0.4 || td.Scoring.MaliciousThreshold != 0.9 {
		t.Fatalf("unexpected scoring: %+v", td.Scoring)
	}
	if td.Diff.DeltaMin != 0.01 || !td.Diff.EmitRemovals {
		t.Fatalf("unexpected diff: %+v", td.Diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	cfg := &Config{}
	cfg.ThreatDelta.Store.Mode = "redis"
	cfg.ThreatDelta.Scoring.SuspiciousThreshold = 0.9
	cfg.ThreatDelta.Scoring.MaliciousThreshold = 0.5

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected inverted thresholds to fail validation")
	}
}

func TestValidateRejectsNegativeDeltaMin(t *testing.T) {
	cfg := &Config{}
	cfg.ThreatDelta.Store.Mode = "redis"
	cfg.ThreatDelta.Diff.DeltaMin = -0.1

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative delta_min to fail validation")
	}
}

func TestValidateRejectsUnknownStoreMode(t *testing.T) {
	cfg := &Config{}
	cfg.ThreatDelta.Store.Mode = "s3"

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown store mode to fail validation")
	}
}

func TestValidateRequiresReposForGitHubMode(t *testing.T) {
	cfg := &Config{}
	cfg.ThreatDelta.Store.Mode = "github"
	cfg.ThreatDelta.Source.Owner = "acme"

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing repos to fail validation")
	}
}
