// Package intake is the boundary to the external complaint intake and
// classification collaborators. Their output is untrusted input: every
// field is validated or defaulted before the pipeline sees it.
package intake

import (
	"context"

	"github.com/aegis-ops/backend/internal/service"
)

// Submission is a structured complaint as produced by the intake surface
// (form, chat normalizer or mini-app).
type Submission struct {
	Text          string   `json:"text"`
	LocationLabel string   `json:"location_text"`
	Category      string   `json:"category"`
	Severity      *int     `json:"severity"`
	Urgency       string   `json:"urgency"`
	Confidence    *float64 `json:"confidence"`
	Hazard        bool     `json:"hazard"`
	Escalation    bool     `json:"escalation"`
	Notes         string   `json:"notes"`
}

// Classification is the external classifier's verdict on free text.
type Classification struct {
	Category   string  `json:"category"`
	Severity   int     `json:"severity"`
	Urgency    string  `json:"urgency"`
	Confidence float64 `json:"confidence"`
	Hazard     bool    `json:"hazard"`
	Escalation bool    `json:"escalation"`
	Summary    string  `json:"summary"`
}

type Classifier interface {
	Classify(ctx context.Context, text string, locationLabel string) (Classification, error)
}

// ValidateSubmission rejects malformed records instead of coercing them.
func ValidateSubmission(s Submission) error {
	if s.Text == "" {
		return &service.ValidationError{Field: "text", Reason: "is required"}
	}
	if s.LocationLabel == "" {
		return &service.ValidationError{Field: "location_text", Reason: "is required"}
	}
	if s.Severity != nil && (*s.Severity < 1 || *s.Severity > 5) {
		return &service.ValidationError{Field: "severity", Reason: "must be between 1 and 5"}
	}
	if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
		return &service.ValidationError{Field: "confidence", Reason: "must be between 0 and 1"}
	}
	return nil
}

// RequiresHumanReview mirrors the intake rule: low classifier confidence
// or an escalation flag routes the complaint to a human.
func RequiresHumanReview(s Submission) bool {
	return (s.Confidence != nil && *s.Confidence < 0.7) || s.Escalation
}
