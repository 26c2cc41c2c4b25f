package merge

import (
	"encoding/json"
	"testing"
	"time"

	"threatdelta/internal/scoring"
	"threatdelta/pkg/models"
)

var mergeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMerger() *Merger {
	return New(scoring.DefaultSuspiciousThreshold, scoring.DefaultMaliciousThreshold)
}

func snapshotFromJSON(t *testing.T, raw string) *models.Snapshot {
	t.Helper()
	var s models.Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	return &s
}

func TestMergeWithNoScoresOnlyStampsSnapshot(t *testing.T) {
	s := snapshotFromJSON(t, `{"nodes":[{"id":"h1","threat_score":0.3,"status":"benign","version":2,"network_id":"net_h1"}],"edges":[]}`)

	out := newMerger().Merge(s, map[string]float64{}, mergeNow)

	if out.UpdatedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("expected top-level stamp, got %q", out.UpdatedAt)
	}
	n := out.Nodes[0]
	if n.ScoreValue() != 0.3 || n.Status != models.StatusBenign || n.VersionValue() != 2 {
		t.Fatalf("node mutated without a score: %+v", n)
	}
	if n.UpdatedAt != "" {
		t.Fatalf("node updated_at stamped without change: %q", n.UpdatedAt)
	}
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	s := snapshotFromJSON(t, `{"nodes":[{"id":"h1","threat_score":0.3,"status":"benign","version":2}],"edges":[]}`)

	newMerger().Merge(s, map[string]float64{"h1": 0.9}, mergeNow)

	if s.Nodes[0].ScoreValue() != 0.3 || s.Nodes[0].Status != models.StatusBenign || s.Nodes[0].VersionValue() != 2 {
		t.Fatalf("input snapshot mutated: %+v", s.Nodes[0])
	}
	if s.UpdatedAt != "" {
		t.Fatalf("input snapshot stamped: %q", s.UpdatedAt)
	}
}

func TestMergeBumpsVersionOnScoreChange(t *testing.T) {
	s := snapshotFromJSON(t, `{"nodes":[{"id":"h1","threat_score":0.3,"status":"benign","version":2}]}`)

	out := newMerger().Merge(s, map[string]float64{"h1": 0.35}, mergeNow)

	n := out.Nodes[0]
	if n.VersionValue() != 3 {
		t.Fatalf("expected version 3, got %d", n.VersionValue())
	}
	if n.ScoreValue() != 0.35 || n.Status != models.StatusBenign {
		t.Fatalf("unexpected node state: %+v", n)
	}
	if n.UpdatedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("expected node stamp, got %q", n.UpdatedAt)
	}
}

func TestMergeBumpsVersionOnStatusChangeOnly(t *testing.T) {
	// Same score, but stored status disagrees with classification
	// (thresholds changed externally between runs).
	s := snapshotFromJSON(t, `{"nodes":[{"id":"h1","threat_score":0.6,"status":"benign","version":1}]}`)

	out := newMerger().Merge(s, map[string]float64{"h1": 0.6}, mergeNow)

	n := out.Nodes[0]
	if n.Status != models.StatusSuspicious {
		t.Fatalf("expected reclassification, got %v", n.Status)
	}
	if n.VersionValue() != 2 {
		t.Fatalf("expected version bump on status change, got %d", n.VersionValue())
	}
}

func TestMergeKeepsVersionWhenNothingChanged(t *testing.T) {
	s := snapshotFromJSON(t, `{"nodes":[{"id":"h1","threat_score":0.3,"status":"benign","version":5,"updated_at":"2026-01-01T00:00:00Z"}]}`)

	out := newMerger().Merge(s, map[string]float64{"h1": 0.3}, mergeNow)

	n := out.Nodes[0]
	if n.VersionValue() != 5 {
		t.Fatalf("version changed without a material change: %d", n.VersionValue())
	}
	if n.UpdatedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("node stamp changed without a material change: %q", n.UpdatedAt)
	}
	if n.ScoreValue() != 0.3 || n.Status != models.StatusBenign {
		t.Fatalf("score/status not rewritten: %+v", n)
	}
}

func TestMergeAssignsFallbackNetworkID(t *testing.T) {
	s := snapshotFromJSON(t, `{"nodes":[{"id":"host-01"},{"id":"h1"},{"id":"db1","network_id":"net_core"}]}`)

	out := newMerger().Merge(s, map[string]float64{"host-01": 0.1, "h1": 0.1, "db1": 0.1}, mergeNow)

	if got := out.Nodes[0].NetworkID; got != "net_hos" {
		t.Fatalf("expected net_hos, got %q", got)
	}
	if got := out.Nodes[1].NetworkID; got != "net_default" {
		t.Fatalf("expected net_default for short key, got %q", got)
	}
	if got := out.Nodes[2].NetworkID; got != "net_core" {
		t.Fatalf("existing network_id must be stable, got %q", got)
	}
}

func TestMergeFirstScoreOfUnversionedNodeBumpsFromZero(t *testing.T) {
	s := snapshotFromJSON(t, `{"nodes":[{"id":"h1"}]}`)

	out := newMerger().Merge(s, map[string]float64{"h1": 0.85}, mergeNow)

	n := out.Nodes[0]
	if n.VersionValue() != 1 {
		t.Fatalf("expected version 1 for first scoring, got %d", n.VersionValue())
	}
	if n.Status != models.StatusMalicious {
		t.Fatalf("expected malicious, got %v", n.Status)
	}
}

func TestMergeZeroScoreStillBumpsOnFirstClassification(t *testing.T) {
	// Absent score reads as 0.0, so the score comparison matches, but
	// the absent status differs from "benign" and forces a bump.
	s := snapshotFromJSON(t, `{"nodes":[{"id":"h1"}]}`)

	out := newMerger().Merge(s, map[string]float64{"h1": 0.0}, mergeNow)

	n := out.Nodes[0]
	if n.VersionValue() != 1 {
		t.Fatalf("expected version bump on first classification, got %d", n.VersionValue())
	}
	if n.Status != models.StatusBenign {
		t.Fatalf("expected benign, got %v", n.Status)
	}
}
