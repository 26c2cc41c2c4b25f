// Package merge folds fresh threat scores into a snapshot and tracks
// per-node versions so downstream diffing can spot meaningful change.
package merge

import (
	"time"

	"threatdelta/internal/scoring"
	"threatdelta/pkg/models"
)

// Merger applies scores to snapshots. Thresholds drive tier
// classification of the new score.
type Merger struct {
	SuspiciousThreshold float64
	MaliciousThreshold  float64
}

// New creates a Merger with the given tier thresholds.
func New(suspicious, malicious float64) *Merger {
	return &Merger{SuspiciousThreshold: suspicious, MaliciousThreshold: malicious}
}

// Merge returns a new snapshot with scores applied. For every keyable
// node present in scores it overwrites threat_score and status, bumps
// the version and stamps updated_at when either actually changed, and
// assigns a network grouping if one is missing. Nodes without a score
// are left untouched. The top-level updated_at is always stamped to
// now. Inputs are not mutated.
func (m *Merger) Merge(snap *models.Snapshot, scores map[string]float64, now time.Time) *models.Snapshot {
	out := snap.Clone()
	nowStr := now.UTC().Format(time.RFC3339)

	for _, n := range out.Nodes {
		k := n.Key()
		if k == "" {
			continue
		}
		newScore, ok := scores[k]
		if !ok {
			continue
		}

		prevScore := n.ScoreValue()
		prevStatus := n.Status
		prevVersion := n.VersionValue()

		newStatus := scoring.Classify(newScore, m.SuspiciousThreshold, m.MaliciousThreshold)

		if newScore != prevScore || newStatus != prevStatus {
			v := prevVersion + 1
			n.Version = &v
			n.UpdatedAt = nowStr
		}

		if n.NetworkID == "" {
			n.NetworkID = fallbackNetworkID(k)
		}

		score := newScore
		n.ThreatScore = &score
		n.Status = newStatus
	}

	out.UpdatedAt = nowStr
	return out
}

// fallbackNetworkID derives a stable grouping from the key prefix so the
// consumer can cluster nodes that were never assigned a network.
func fallbackNetworkID(key string) string {
	if len(key) >= 3 {
		return "net_" + key[:3]
	}
	return "net_default"
}
