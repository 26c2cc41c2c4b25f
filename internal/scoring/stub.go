package scoring

import (
	"context"
	"strconv"
	"unicode"

	"threatdelta/pkg/models"
)

// StubScorer derives a stable pseudo-score from the node key. It stands
// in for the external model so the rest of the pipeline can run end to
// end; swap in a real Scorer without touching anything downstream.
type StubScorer struct{}

// NewStubScorer returns the placeholder scorer.
func NewStubScorer() *StubScorer {
	return &StubScorer{}
}

// Score derives a score in [0,1) per keyable node from the last two
// alphanumeric characters of its key.
func (s *StubScorer) Score(_ context.Context, nodes []*models.Node) (map[string]float64, error) {
	out := make(map[string]float64, len(nodes))
	for _, n := range nodes {
		k := n.Key()
		if k == "" {
			continue
		}
		out[k] = keyScore(k)
	}
	return out, nil
}

func keyScore(key string) float64 {
	var runes []rune
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes = append(runes, r)
		}
	}
	// Slice runes, not bytes: keys are not guaranteed ASCII.
	if len(runes) > 2 {
		runes = runes[len(runes)-2:]
	}
	tail := string(runes)
	if tail == "" {
		tail = "00"
	}

	base := 10
	for _, r := range tail {
		if unicode.IsLetter(r) {
			base = 16
			break
		}
	}

	val, err := strconv.ParseInt(tail, base, 64)
	if err != nil {
		val = 0
		for _, r := range tail {
			val += int64(r)
		}
	}

	return float64(val%100) / 100.0
}
