// Package pipeline orchestrates one scoring run: fetch the source
// snapshot, score, merge, diff against the previously published
// snapshot, and publish the result set.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"threatdelta/internal/diff"
	"threatdelta/internal/logger"
	"threatdelta/internal/merge"
	"threatdelta/internal/publish"
	"threatdelta/internal/scoring"
	"threatdelta/internal/store"
	"threatdelta/pkg/models"
)

// FetchError is a fatal failure to read or decode the source snapshot.
// It aborts the run before anything is written.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch source snapshot: %v", e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ScoringError is a fatal scorer failure, raised before the merge.
type ScoringError struct {
	Err error
}

func (e *ScoringError) Error() string { return fmt.Sprintf("score nodes: %v", e.Err) }
func (e *ScoringError) Unwrap() error { return e.Err }

// Runner wires the pipeline stages together. One Runner executes one
// run at a time; runs are serialized externally.
type Runner struct {
	source       store.Store
	output       store.Store
	sourcePath   string
	snapshotPath string
	scorer       scoring.Scorer
	merger       *merge.Merger
	detector     *diff.Detector
	publisher    *publish.Publisher
	metrics      *Metrics
}

// NewRunner assembles a pipeline run.
func NewRunner(source, output store.Store, sourcePath, snapshotPath string, scorer scoring.Scorer, merger *merge.Merger, detector *diff.Detector, publisher *publish.Publisher, metrics *Metrics) *Runner {
	return &Runner{
		source:       source,
		output:       output,
		sourcePath:   sourcePath,
		snapshotPath: snapshotPath,
		scorer:       scorer,
		merger:       merger,
		detector:     detector,
		publisher:    publisher,
		metrics:      metrics,
	}
}

// Result is the outcome of one run.
type Result struct {
	RunID      string
	Snapshot   *models.Snapshot
	Delta      *models.DeltaDoc
	SnapshotID string
	Published  bool
}

// Run executes the pipeline once. With commit=false nothing is written;
// the computed snapshot and delta are returned for inspection. With
// commit=true the four artifacts are published and the snapshot's new
// revision id is set on the result. A publication failure still returns
// the result so the caller can report what was computed.
func (r *Runner) Run(ctx context.Context, commit bool) (*Result, error) {
	started := time.Now()
	res, err := r.run(ctx, commit)
	r.metrics.ObserveRun(time.Since(started), err)
	return res, err
}

func (r *Runner) run(ctx context.Context, commit bool) (*Result, error) {
	current, err := r.fetchSource(ctx)
	if err != nil {
		return nil, err
	}
	logger.Infof("Fetched source snapshot: %d nodes, %d edges", len(current.Nodes), len(current.Edges))

	prev := r.fetchPrevious(ctx)

	scores, err := r.scorer.Score(ctx, current.Nodes)
	if err != nil {
		return nil, &ScoringError{Err: err}
	}
	r.metrics.SetNodesScored(len(scores))
	logger.Infof("Scored %d nodes", len(scores))

	now := time.Now().UTC()
	merged := r.merger.Merge(current, scores, now)

	changes := r.detector.Compute(prev, merged)
	r.metrics.AddChanges(changes)
	logger.Infof("Detected %d changed entities", len(changes))

	runID := now.Format("2006-01-02T15-04-05Z")
	delta := &models.DeltaDoc{
		RunID:       runID,
		GeneratedAt: now.Format(time.RFC3339),
		Changes:     changes,
		EventSeq:    len(changes),
	}

	result := &Result{RunID: runID, Snapshot: merged, Delta: delta}
	if !commit {
		logger.Infof("Dry run, skipping publication")
		return result, nil
	}

	snapshotID, err := r.publisher.Publish(ctx, merged, delta, runID)
	result.SnapshotID = snapshotID
	if err != nil {
		if pubErr, ok := err.(*publish.Error); ok {
			r.metrics.RecordPublishFailure(pubErr.Artifact)
		}
		return result, err
	}
	result.Published = true
	return result, nil
}

func (r *Runner) fetchSource(ctx context.Context) (*models.Snapshot, error) {
	content, revision, err := r.source.Read(ctx, r.sourcePath)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	var snap models.Snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		return nil, &FetchError{Err: fmt.Errorf("decode %s: %w", r.sourcePath, err)}
	}
	logger.Debugf("Source snapshot revision %s", revision)
	return &snap, nil
}

// fetchPrevious reads the previously published snapshot. Any failure
// here degrades to first-run semantics rather than aborting: with no
// baseline every current node is simply reported as new.
func (r *Runner) fetchPrevious(ctx context.Context) *models.Snapshot {
	content, _, err := r.output.Read(ctx, r.snapshotPath)
	if err != nil {
		if store.IsNotFound(err) {
			logger.Infof("No previous snapshot at %s, treating as first run", r.snapshotPath)
		} else {
			logger.Warnf("Failed to fetch previous snapshot, treating as first run: %v", err)
		}
		return nil
	}
	var snap models.Snapshot
	if err := json.Unmarshal(content, &snap); err != nil {
		logger.Warnf("Previous snapshot at %s is unreadable, treating as first run: %v", r.snapshotPath, err)
		return nil
	}
	return &snap
}
