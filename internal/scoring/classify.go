package scoring

import "threatdelta/pkg/models"

// Default tier thresholds.
const (
	DefaultSuspiciousThreshold = 0.5
	DefaultMaliciousThreshold  = 0.8
)

// Classify maps a score in [0,1] to a threat tier. The caller validates
// suspicious <= malicious at configuration load.
func Classify(score, suspicious, malicious float64) models.Status {
	if score >= malicious {
		return models.StatusMalicious
	}
	if score >= suspicious {
		return models.StatusSuspicious
	}
	return models.StatusBenign
}
