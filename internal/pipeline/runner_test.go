package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"threatdelta/internal/diff"
	"threatdelta/internal/merge"
	"threatdelta/internal/publish"
	"threatdelta/internal/scoring"
	"threatdelta/internal/store"
	"threatdelta/pkg/models"
)

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	blobs  map[string][]byte
	revs   map[string]int
	failOn map[string]error
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}, revs: map[string]int{}, failOn: map[string]error{}}
}

func (s *memStore) Read(_ context.Context, path string) ([]byte, string, error) {
	if err, ok := s.failOn["read:"+path]; ok {
		return nil, "", err
	}
	content, ok := s.blobs[path]
	if !ok {
		return nil, "", fmt.Errorf("read %s: %w", path, store.ErrNotFound)
	}
	return content, fmt.Sprintf("%s@%d", path, s.revs[path]), nil
}

func (s *memStore) Write(_ context.Context, path string, content []byte, _ string) (string, error) {
	if err, ok := s.failOn["write:"+path]; ok {
		return "", err
	}
	s.blobs[path] = content
	s.revs[path]++
	return fmt.Sprintf("%s@%d", path, s.revs[path]), nil
}

func (s *memStore) Close() error { return nil }

// mapScorer returns fixed scores.
type mapScorer struct {
	scores map[string]float64
	err    error
}

func (m *mapScorer) Score(_ context.Context, _ []*models.Node) (map[string]float64, error) {
	return m.scores, m.err
}

const (
	srcPath  = "Data/network_topology.json"
	snapPath = "Data/network_topology_scored.json"
)

var runPaths = publish.Paths{
	Snapshot:       snapPath,
	ChangesLatest:  "Data/changes/latest.json",
	ChangesHistory: "Data/changes/history",
	StateIndex:     "Data/state/index.json",
}

func newTestRunner(src, out *memStore, scorer scoring.Scorer) *Runner {
	merger := merge.New(scoring.DefaultSuspiciousThreshold, scoring.DefaultMaliciousThreshold)
	return NewRunner(src, out, srcPath, snapPath, scorer, merger, diff.New(0.0), publish.New(out, runPaths), NewMetrics())
}

func seedSource(t *testing.T, s *memStore, raw string) {
	t.Helper()
	s.blobs[srcPath] = []byte(raw)
	s.revs[srcPath] = 1
}

func TestRunFirstRunDryRunComputesAllNewNodes(t *testing.T) {
	src := newMemStore()
	out := newMemStore()
	seedSource(t, src, `{"nodes":[{"id":"h1"},{"id":"h2"}],"edges":[]}`)

	scorer := &mapScorer{scores: map[string]float64{"h1": 0.9, "h2": 0.1}}
	res, err := newTestRunner(src, out, scorer).Run(context.Background(), false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Published || res.SnapshotID != "" {
		t.Fatalf("dry run must not publish: %+v", res)
	}
	if len(out.blobs) != 0 {
		t.Fatalf("dry run wrote to the store: %v", out.blobs)
	}
	if res.Delta.EventSeq != 2 || len(res.Delta.Changes) != 2 {
		t.Fatalf("unexpected delta: %+v", res.Delta)
	}
	for _, c := range res.Delta.Changes {
		if c.Reason != models.ReasonNewNode || !c.ThresholdCrossed {
			t.Fatalf("unexpected first-run change: %+v", c)
		}
	}
	// h1 scored 0.9 -> malicious, sorted first.
	if res.Delta.Changes[0].ID != "h1" || res.Delta.Changes[0].Curr.Status != models.StatusMalicious {
		t.Fatalf("unexpected leading change: %+v", res.Delta.Changes[0])
	}
	if res.Snapshot.Nodes[0].VersionValue() != 1 {
		t.Fatalf("expected merged version bump, got %d", res.Snapshot.Nodes[0].VersionValue())
	}
}

func TestRunCommitPublishesAndStampsSnapshotID(t *testing.T) {
	src := newMemStore()
	out := newMemStore()
	seedSource(t, src, `{"nodes":[{"id":"h1"}],"edges":[]}`)

	scorer := &mapScorer{scores: map[string]float64{"h1": 0.6}}
	res, err := newTestRunner(src, out, scorer).Run(context.Background(), true)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if !res.Published || res.SnapshotID == "" {
		t.Fatalf("expected publication, got %+v", res)
	}
	if res.Delta.SnapshotID != res.SnapshotID {
		t.Fatalf("delta snapshot id not stamped: %+v", res.Delta)
	}
	for _, path := range []string{snapPath, runPaths.ChangesLatest, runPaths.StateIndex} {
		if _, ok := out.blobs[path]; !ok {
			t.Fatalf("missing artifact %s", path)
		}
	}

	var index models.StateIndex
	if err := json.Unmarshal(out.blobs[runPaths.StateIndex], &index); err != nil {
		t.Fatalf("decode index: %v", err)
	}
	if index.LatestRunID != res.RunID || index.LatestEventID != res.Delta.EventSeq {
		t.Fatalf("unexpected index: %+v", index)
	}
}

func TestRunSecondRunDiffsAgainstPublishedSnapshot(t *testing.T) {
	src := newMemStore()
	out := newMemStore()
	seedSource(t, src, `{"nodes":[{"id":"h1"}],"edges":[]}`)

	first, err := newTestRunner(src, out, &mapScorer{scores: map[string]float64{"h1": 0.1}}).Run(context.Background(), true)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Delta.Changes[0].Reason != models.ReasonNewNode {
		t.Fatalf("unexpected first-run reason: %+v", first.Delta.Changes[0])
	}

	// Second run re-reads the unscored source, so the previous version
	// baseline is 0 again and the score change drives the record.
	second, err := newTestRunner(src, out, &mapScorer{scores: map[string]float64{"h1": 0.9}}).Run(context.Background(), true)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.Delta.Changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(second.Delta.Changes))
	}
	rec := second.Delta.Changes[0]
	if rec.Reason != models.ReasonStatusChange || !rec.ThresholdCrossed {
		t.Fatalf("unexpected second-run record: %+v", rec)
	}
	if rec.Prev == nil || rec.Prev.ThreatScore != 0.1 || rec.Prev.Status != models.StatusBenign {
		t.Fatalf("prev state must come from the published snapshot: %+v", rec.Prev)
	}
	if rec.Curr.ThreatScore != 0.9 || rec.Curr.Status != models.StatusMalicious {
		t.Fatalf("unexpected curr state: %+v", rec.Curr)
	}
}

func TestRunIdenticalRunsProduceEmptyDelta(t *testing.T) {
	src := newMemStore()
	out := newMemStore()
	seedSource(t, src, `{"nodes":[{"id":"h1"}],"edges":[]}`)
	scorer := &mapScorer{scores: map[string]float64{"h1": 0.4}}

	if _, err := newTestRunner(src, out, scorer).Run(context.Background(), true); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := newTestRunner(src, out, scorer).Run(context.Background(), true)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Delta.EventSeq != 0 || len(res.Delta.Changes) != 0 {
		t.Fatalf("expected empty delta, got %+v", res.Delta)
	}
}

func TestRunSourceFetchFailureIsFatal(t *testing.T) {
	src := newMemStore()
	out := newMemStore()
	src.failOn["read:"+srcPath] = errors.New("remote down")

	_, err := newTestRunner(src, out, &mapScorer{}).Run(context.Background(), true)
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if len(out.blobs) != 0 {
		t.Fatalf("nothing may be written after a fetch failure")
	}
}

func TestRunPreviousSnapshotFetchFailureDegradesToFirstRun(t *testing.T) {
	src := newMemStore()
	out := newMemStore()
	seedSource(t, src, `{"nodes":[{"id":"h1"}],"edges":[]}`)
	out.failOn["read:"+snapPath] = errors.New("flaky read")

	res, err := newTestRunner(src, out, &mapScorer{scores: map[string]float64{"h1": 0.5}}).Run(context.Background(), false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Delta.Changes) != 1 || res.Delta.Changes[0].Reason != models.ReasonNewNode {
		t.Fatalf("expected first-run semantics, got %+v", res.Delta.Changes)
	}
}

func TestRunScorerFailureIsFatal(t *testing.T) {
	src := newMemStore()
	out := newMemStore()
	seedSource(t, src, `{"nodes":[{"id":"h1"}],"edges":[]}`)

	_, err := newTestRunner(src, out, &mapScorer{err: errors.New("model exploded")}).Run(context.Background(), true)
	var scoreErr *ScoringError
	if !errors.As(err, &scoreErr) {
		t.Fatalf("expected ScoringError, got %v", err)
	}
	if len(out.blobs) != 0 {
		t.Fatalf("nothing may be written after a scoring failure")
	}
}

func TestRunPublishFailureStillReturnsResult(t *testing.T) {
	src := newMemStore()
	out := newMemStore()
	seedSource(t, src, `{"nodes":[{"id":"h1"}],"edges":[]}`)
	out.failOn["write:"+runPaths.StateIndex] = errors.New("quota exceeded")

	res, err := newTestRunner(src, out, &mapScorer{scores: map[string]float64{"h1": 0.5}}).Run(context.Background(), true)
	if err == nil {
		t.Fatalf("expected publish failure")
	}
	var pubErr *publish.Error
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected publish.Error, got %v", err)
	}
	if pubErr.Artifact != publish.ArtifactStateIndex || pubErr.LastPublished != publish.ArtifactHistoryDelta {
		t.Fatalf("unexpected error fields: %+v", pubErr)
	}
	if res == nil || res.SnapshotID == "" || res.Published {
		t.Fatalf("result must carry the live snapshot id: %+v", res)
	}
}
