package models

// Change reasons, in precedence order for existing nodes.
const (
	ReasonNewNode          = "new_node"
	ReasonStatusChange     = "status_change"
	ReasonSignificantScore = "significant_score_delta"
	ReasonScoreDelta       = "score_delta"
	ReasonVersionUpdate    = "version_update"
	ReasonRemovedNode      = "removed_node"
)

// NodeState is the compared slice of a node: what the consumer needs to
// animate a transition.
type NodeState struct {
	ThreatScore float64 `json:"threat_score"`
	Status      Status  `json:"status"`
	Version     int     `json:"version"`
}

// ChangeRecord describes one node-level difference between two snapshots.
type ChangeRecord struct {
	Entity           string     `json:"entity"`
	ID               string     `json:"id"`
	NetworkID        string     `json:"network_id,omitempty"`
	Prev             *NodeState `json:"prev"`
	Curr             *NodeState `json:"curr"`
	ThresholdCrossed bool       `json:"threshold_crossed"`
	Reason           string     `json:"reason"`
	UpdatedAt        string     `json:"updated_at"`
}

// CurrScore returns the current threat score, 0.0 for removal records.
func (c *ChangeRecord) CurrScore() float64 {
	if c.Curr == nil {
		return 0.0
	}
	return c.Curr.ThreatScore
}

// DeltaDoc is the change feed for one pipeline run. History is
// append-only, keyed by RunID.
type DeltaDoc struct {
	RunID       string          `json:"run_id"`
	SnapshotID  string          `json:"snapshot_id"`
	GeneratedAt string          `json:"generated_at"`
	Changes     []*ChangeRecord `json:"changes"`
	EventSeq    int             `json:"event_seq"`
}

// StateIndex is the small pointer document a consumer polls to detect
// that a new run happened. It is the only mutable artifact and is
// written last, so readers can treat it as the commit point.
type StateIndex struct {
	LatestRunID      string `json:"latest_run_id"`
	LatestSnapshotID string `json:"latest_snapshot_id"`
	LatestEventID    int    `json:"latest_event_id"`
}
