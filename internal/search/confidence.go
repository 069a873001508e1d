package search

import (
	"github.com/seanblong/docrag/internal/errs"
	"github.com/seanblong/docrag/pkg/models"
)

// Thresholds map a top score to a confidence label: High and above is
// high, Medium and above is medium, anything lower is low.
type Thresholds struct {
	High   float64
	Medium float64
}

// DefaultThresholds returns high 0.75, medium 0.5.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.75, Medium: 0.5}
}

// Validate requires 0 <= Medium <= High <= 1.
func (t Thresholds) Validate() error {
	if t.Medium < 0 || t.High > 1 || t.Medium > t.High {
		return errs.Config("confidence thresholds must satisfy 0 <= medium (%v) <= high (%v) <= 1", t.Medium, t.High)
	}
	return nil
}

// Classify labels score.
func (t Thresholds) Classify(score float64) models.Confidence {
	switch {
	case score >= t.High:
		return models.ConfidenceHigh
	case score >= t.Medium:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}
