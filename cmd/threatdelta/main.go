package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"threatdelta/config"
	"threatdelta/internal/diff"
	"threatdelta/internal/logger"
	"threatdelta/internal/merge"
	"threatdelta/internal/pipeline"
	"threatdelta/internal/publish"
	"threatdelta/internal/scoring"
	"threatdelta/internal/store"
	"threatdelta/pkg/models"
)

func findConfigFile(configArg string) string {
	if configArg != "" {
		path := configArg
		if _, err := os.Stat(path); err == nil {
			return path
		}
		log.Printf("Warning: config file not found at %s, trying default locations", path)
	}

	if _, err := os.Stat("threatdelta.yml"); err == nil {
		return "threatdelta.yml"
	}

	exePath, err := os.Executable()
	if err == nil {
		exeDir := filepath.Dir(exePath)
		path := filepath.Join(exeDir, "threatdelta.yml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return "threatdelta.yml"
}

func applyDefaults(cfg *config.Config) {
	td := &cfg.ThreatDelta

	if td.Source.Branch == "" {
		td.Source.Branch = "main"
	}
	if td.Source.Path == "" {
		td.Source.Path = "Data/network_topology.json"
	}

	if td.Output.Branch == "" {
		td.Output.Branch = "main"
	}
	if td.Output.SnapshotPath == "" {
		td.Output.SnapshotPath = "Data/network_topology_scored.json"
	}
	if td.Output.ChangesLatestPath == "" {
		td.Output.ChangesLatestPath = "Data/changes/latest.json"
	}
	if td.Output.ChangesHistoryDir == "" {
		td.Output.ChangesHistoryDir = "Data/changes/history"
	}
	if td.Output.StateIndexPath == "" {
		td.Output.StateIndexPath = "Data/state/index.json"
	}

	if td.Store.Mode == "" {
		td.Store.Mode = "github"
	}
	if td.Store.Timeout <= 0 {
		td.Store.Timeout = 30 * time.Second
	}
	if td.Store.Retries <= 0 {
		td.Store.Retries = 3
	}

	if td.Scoring.SuspiciousThreshold == 0 {
		td.Scoring.SuspiciousThreshold = scoring.DefaultSuspiciousThreshold
	}
	if td.Scoring.MaliciousThreshold == 0 {
		td.Scoring.MaliciousThreshold = scoring.DefaultMaliciousThreshold
	}

	if td.Metrics.Job == "" {
		td.Metrics.Job = "threatdelta"
	}

	if td.Logging.Level == "" {
		td.Logging.Level = "info"
	}
}

func loadConfig(configArg string) *config.Config {
	// GITHUB_TOKEN may live in a .env file next to the binary.
	godotenv.Load()

	configPath := findConfigFile(configArg)
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if err := logger.Init(cfg.ThreatDelta.Logging.Enabled, cfg.ThreatDelta.Logging.Level, cfg.ThreatDelta.Logging.File, cfg.ThreatDelta.Logging.Console); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("Config loaded from: %s", configPath)

	return cfg
}

// buildStores returns the source and output stores for the configured
// backend. In redis mode both sides share one client.
func buildStores(cfg *config.Config) (store.Store, store.Store, error) {
	td := &cfg.ThreatDelta

	switch td.Store.Mode {
	case "github":
		token := os.Getenv("GITHUB_TOKEN")
		if token == "" {
			logger.Warnf("GITHUB_TOKEN is not set; writes will be rejected")
		}
		source, err := store.NewGitHubStore(store.GitHubConfig{
			Owner:   td.Source.Owner,
			Repo:    td.Source.Repo,
			Branch:  td.Source.Branch,
			Token:   token,
			Timeout: td.Store.Timeout,
			Retries: td.Store.Retries,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create source store: %w", err)
		}
		output, err := store.NewGitHubStore(store.GitHubConfig{
			Owner:   td.Output.Owner,
			Repo:    td.Output.Repo,
			Branch:  td.Output.Branch,
			Token:   token,
			Timeout: td.Store.Timeout,
			Retries: td.Store.Retries,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create output store: %w", err)
		}
		return source, output, nil

	case "redis":
		s, err := store.NewRedisStore(store.RedisConfig{
			Addr:      td.Store.Redis.Addr,
			Password:  td.Store.Redis.Password,
			DB:        td.Store.Redis.DB,
			KeyPrefix: td.Store.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create redis store: %w", err)
		}
		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("unknown store mode %q", td.Store.Mode)
	}
}

func runPipeline(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configArg := fs.String("config", "", "Path to the YAML config file")
	commit := fs.Bool("commit", false, "Publish results to the output store (otherwise dry run)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configArg)
	td := &cfg.ThreatDelta

	source, output, err := buildStores(cfg)
	if err != nil {
		logger.Errorf("Failed to build stores: %v", err)
		fmt.Fprintf(os.Stderr, "failed to build stores: %v\n", err)
		return 1
	}
	defer source.Close()
	defer output.Close()

	paths := publish.Paths{
		Snapshot:       td.Output.SnapshotPath,
		ChangesLatest:  td.Output.ChangesLatestPath,
		ChangesHistory: td.Output.ChangesHistoryDir,
		StateIndex:     td.Output.StateIndexPath,
	}
	detector := diff.New(td.Diff.DeltaMin)
	detector.EmitRemovals = td.Diff.EmitRemovals

	metrics := pipeline.NewMetrics()
	runner := pipeline.NewRunner(
		source,
		output,
		td.Source.Path,
		td.Output.SnapshotPath,
		scoring.NewStubScorer(),
		merge.New(td.Scoring.SuspiciousThreshold, td.Scoring.MaliciousThreshold),
		detector,
		publish.New(output, paths),
		metrics,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("ThreatDelta run starting (commit=%v)", *commit)
	result, err := runner.Run(ctx, *commit)
	if td.Metrics.Enabled {
		metrics.Push(td.Metrics.PushgatewayURL, td.Metrics.Job)
	}
	if err != nil {
		logger.Errorf("Run failed: %v", err)
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		if result != nil && result.SnapshotID != "" {
			fmt.Fprintf(os.Stderr, "snapshot %s is already live; later artifacts need manual reconciliation\n", result.SnapshotID)
		}
		return 1
	}

	printSummary(result, *commit, td)
	return 0
}

func printSummary(result *pipeline.Result, commit bool, td *config.ThreatDeltaConfig) {
	fmt.Printf("Detected %d changed entities\n", result.Delta.EventSeq)

	shown := 0
	for _, c := range result.Delta.Changes {
		if !c.ThresholdCrossed || shown >= 3 {
			break
		}
		prevStatus := "new"
		if c.Prev != nil {
			prevStatus = string(c.Prev.Status)
		}
		currStatus := "removed"
		if c.Curr != nil {
			currStatus = string(c.Curr.Status)
		}
		fmt.Printf("  - %s: %s -> %s (score %.2f, %s)\n", c.ID, prevStatus, currStatus, c.CurrScore(), c.Reason)
		shown++
	}

	if commit {
		fmt.Printf("Published snapshot %s\n", result.SnapshotID)
		fmt.Printf("  latest delta: %s\n", td.Output.ChangesLatestPath)
		fmt.Printf("  history:      %s/%s.json\n", td.Output.ChangesHistoryDir, result.RunID)
		fmt.Printf("  state index:  %s\n", td.Output.StateIndexPath)
		return
	}

	doc, err := publish.EncodeJSON(result.Delta)
	if err == nil {
		fmt.Printf("Dry run, nothing written. Computed delta document:\n%s", doc)
	}
	fmt.Println("Use 'threatdelta run -commit' to publish.")
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configArg := fs.String("config", "", "Path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig(*configArg)
	td := &cfg.ThreatDelta

	_, output, err := buildStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build stores: %v\n", err)
		return 1
	}
	defer output.Close()

	ctx, cancel := context.WithTimeout(context.Background(), td.Store.Timeout)
	defer cancel()

	content, _, err := output.Read(ctx, td.Output.StateIndexPath)
	if err != nil {
		if store.IsNotFound(err) {
			fmt.Println("No state index published yet.")
			return 0
		}
		fmt.Fprintf(os.Stderr, "failed to read state index: %v\n", err)
		return 1
	}

	var index models.StateIndex
	if err := json.Unmarshal(content, &index); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode state index: %v\n", err)
		return 1
	}

	fmt.Printf("Latest run:      %s\n", index.LatestRunID)
	fmt.Printf("Latest snapshot: %s\n", index.LatestSnapshotID)
	fmt.Printf("Latest event id: %d\n", index.LatestEventID)

	deltaRaw, _, err := output.Read(ctx, td.Output.ChangesLatestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read latest delta: %v\n", err)
		return 1
	}
	var delta models.DeltaDoc
	if err := json.Unmarshal(deltaRaw, &delta); err != nil {
		fmt.Fprintf(os.Stderr, "failed to decode latest delta: %v\n", err)
		return 1
	}

	crossings := 0
	for _, c := range delta.Changes {
		if c.ThresholdCrossed {
			crossings++
		}
	}
	fmt.Printf("Changes:         %d (%d threshold crossings)\n", delta.EventSeq, crossings)
	for i, c := range delta.Changes {
		if i >= 5 || !c.ThresholdCrossed {
			break
		}
		fmt.Printf("  - %s: %s (score %.2f)\n", c.ID, c.Reason, c.CurrScore())
	}
	return 0
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: threatdelta <run|status> [flags]\n")
	fmt.Fprintf(os.Stderr, "  run     execute the scoring pipeline once (-commit to publish)\n")
	fmt.Fprintf(os.Stderr, "  status  show the latest published run\n")
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			os.Exit(runPipeline(os.Args[2:]))
		case "status":
			os.Exit(runStatus(os.Args[2:]))
		case "-h", "--help", "help":
			usage()
			return
		default:
			usage()
			os.Exit(2)
		}
	}

	os.Exit(runPipeline(nil))
}
