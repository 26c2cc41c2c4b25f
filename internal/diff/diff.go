// Package diff compares two snapshots and produces the ordered change
// feed the visualization consumer uses to update its view in place.
package diff

import (
	"math"
	"sort"
	"time"

	"threatdelta/internal/logger"
	"threatdelta/pkg/models"
)

// Score jumps at or above this magnitude are significant even when the
// tier did not change.
const significantDelta = 0.2

// Detector compares snapshots.
type Detector struct {
	// DeltaMin is the minimum score change that counts at all; the
	// comparison is strict, a delta exactly equal to DeltaMin is not a
	// change.
	DeltaMin float64

	// EmitRemovals controls whether nodes that disappeared between
	// snapshots produce removed_node records. The historical behavior
	// is to say nothing, which keeps deletions invisible downstream.
	EmitRemovals bool
}

// New creates a Detector with the given minimum delta.
func New(deltaMin float64) *Detector {
	return &Detector{DeltaMin: deltaMin}
}

// Compute returns one change record per keyable node that is new in
// curr or materially different from prev. A nil prev means first run:
// every keyable node in curr is reported as new. Records are sorted
// threshold crossings first, then by current score descending; the sort
// is stable so equal records keep snapshot order. Neither input is
// mutated.
func (d *Detector) Compute(prev, curr *models.Snapshot) []*models.ChangeRecord {
	if prev == nil {
		prev = &models.Snapshot{}
	}

	prevIdx := indexNodes(prev)
	currIdx := indexNodes(curr)
	now := time.Now().UTC().Format(time.RFC3339)

	changes := make([]*models.ChangeRecord, 0, len(curr.Nodes))

	// Walk curr in slice order so the pre-sort order is deterministic.
	seen := make(map[string]bool, len(currIdx))
	for _, node := range curr.Nodes {
		key := node.Key()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		currNode := currIdx[key]

		if rec := d.compare(key, prevIdx[key], currNode, now); rec != nil {
			changes = append(changes, rec)
		}
	}

	if d.EmitRemovals {
		for _, node := range prev.Nodes {
			key := node.Key()
			if key == "" {
				continue
			}
			if _, ok := currIdx[key]; ok {
				continue
			}
			prevNode := prevIdx[key]
			changes = append(changes, &models.ChangeRecord{
				Entity:    "node",
				ID:        key,
				NetworkID: prevNode.NetworkID,
				Prev: &models.NodeState{
					ThreatScore: prevNode.ScoreValue(),
					Status:      prevNode.Status,
					Version:     prevNode.VersionValue(),
				},
				Curr:             nil,
				ThresholdCrossed: true,
				Reason:           models.ReasonRemovedNode,
				UpdatedAt:        now,
			})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if a.ThresholdCrossed != b.ThresholdCrossed {
			return a.ThresholdCrossed
		}
		return a.CurrScore() > b.CurrScore()
	})

	return changes
}

func (d *Detector) compare(key string, prevNode, currNode *models.Node, now string) *models.ChangeRecord {
	updatedAt := currNode.UpdatedAt
	if updatedAt == "" {
		updatedAt = now
	}

	currState := &models.NodeState{
		ThreatScore: currNode.ScoreValue(),
		Status:      currNode.Status,
		Version:     currNode.VersionValue(),
	}

	if prevNode == nil {
		return &models.ChangeRecord{
			Entity:           "node",
			ID:               key,
			NetworkID:        currNode.NetworkID,
			Prev:             nil,
			Curr:             currState,
			ThresholdCrossed: true,
			Reason:           models.ReasonNewNode,
			UpdatedAt:        updatedAt,
		}
	}

	delta := math.Abs(currNode.ScoreValue() - prevNode.ScoreValue())
	scoreChanged := delta > d.DeltaMin
	statusChanged := currNode.Status != prevNode.Status
	versionChanged := currNode.VersionValue() != prevNode.VersionValue()

	if !scoreChanged && !statusChanged && !versionChanged {
		return nil
	}

	thresholdCrossed := statusChanged
	var reason string
	switch {
	case statusChanged:
		reason = models.ReasonStatusChange
	case scoreChanged && delta >= significantDelta:
		reason = models.ReasonSignificantScore
		thresholdCrossed = true
	case scoreChanged:
		reason = models.ReasonScoreDelta
	default:
		reason = models.ReasonVersionUpdate
	}

	return &models.ChangeRecord{
		Entity:    "node",
		ID:        key,
		NetworkID: currNode.NetworkID,
		Prev: &models.NodeState{
			ThreatScore: prevNode.ScoreValue(),
			Status:      prevNode.Status,
			Version:     prevNode.VersionValue(),
		},
		Curr:             currState,
		ThresholdCrossed: thresholdCrossed,
		Reason:           reason,
		UpdatedAt:        updatedAt,
	}
}

// indexNodes builds a key lookup. Duplicate keys resolve last-write-wins
// like everywhere else in the pipeline; that is worth a warning because
// it usually means dirty source data.
func indexNodes(s *models.Snapshot) map[string]*models.Node {
	idx := make(map[string]*models.Node, len(s.Nodes))
	for _, n := range s.Nodes {
		k := n.Key()
		if k == "" {
			continue
		}
		if _, dup := idx[k]; dup {
			logger.Warnf("Duplicate node key %q; keeping the last occurrence", k)
		}
		idx[k] = n
	}
	return idx
}
