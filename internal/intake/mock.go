package intake

import (
	"context"
	"fmt"

	"github.com/aegis-ops/backend/internal/utils"
)

// MockClassifier produces deterministic classifications from a hash of
// the complaint text, for local development without the external service.
type MockClassifier struct{}

func (m MockClassifier) Classify(ctx context.Context, text string, locationLabel string) (Classification, error) {
	h := utils.HashStringToUint64(text)

	categories := []string{"bin_overflow", "litter", "blocked_drain", "smell", "walkway_cleanliness"}
	urgencies := []string{"routine", "soon", "urgent"}

	severity := int(h%5) + 1
	confidence := 0.82
	if h%7 == 0 {
		confidence = 0.55
	}

	return Classification{
		Category:   categories[int(h/3)%len(categories)],
		Severity:   severity,
		Urgency:    urgencies[int(h/11)%len(urgencies)],
		Confidence: confidence,
		Hazard:     h%13 == 0,
		Escalation: false,
		Summary:    fmt.Sprintf("Auto-classified report near %s", locationLabel),
	}, nil
}
