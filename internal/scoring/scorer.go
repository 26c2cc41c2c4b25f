package scoring

import (
	"context"

	"threatdelta/pkg/models"
)

// Scorer produces a threat score in [0,1] per node key. Nodes without a
// derivable key are skipped, not errored. The real model lives outside
// this repository; the pipeline only relies on this contract.
type Scorer interface {
	Score(ctx context.Context, nodes []*models.Node) (map[string]float64, error)
}
