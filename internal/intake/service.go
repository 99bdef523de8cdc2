package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aegis-ops/backend/internal/models"
	"github.com/aegis-ops/backend/internal/service"
)

type ComplaintStore interface {
	InsertComplaint(ctx context.Context, c models.Complaint) error
	InsertAuditEvent(ctx context.Context, e models.AuditEvent) error
}

// Service accepts complaint submissions, filling classification gaps via
// the configured Classifier before persisting.
type Service struct {
	Store      ComplaintStore
	Classifier Classifier
	Logger     zerolog.Logger
}

// Submit validates and persists one complaint. Submissions that already
// carry a classification (structured intake) are stored as-is; free-text
// ones are run through the classifier first.
func (s *Service) Submit(ctx context.Context, sub Submission) (models.Complaint, error) {
	if err := ValidateSubmission(sub); err != nil {
		return models.Complaint{}, err
	}

	if sub.Category == "" || sub.Severity == nil {
		verdict, err := s.Classifier.Classify(ctx, sub.Text, sub.LocationLabel)
		if err != nil {
			s.Logger.Error().Err(err).Msg("classification failed")
			return models.Complaint{}, &service.TransientStorageError{Op: "classify complaint", Err: err}
		}
		if sub.Category == "" {
			sub.Category = verdict.Category
		}
		if sub.Severity == nil {
			sev := verdict.Severity
			sub.Severity = &sev
		}
		if sub.Urgency == "" {
			sub.Urgency = verdict.Urgency
		}
		if sub.Confidence == nil {
			conf := verdict.Confidence
			sub.Confidence = &conf
		}
		sub.Hazard = sub.Hazard || verdict.Hazard
		sub.Escalation = sub.Escalation || verdict.Escalation
	}
	if sub.Urgency == "" {
		sub.Urgency = "normal"
	}

	complaint := models.Complaint{
		ID:                  uuid.New().String(),
		Text:                sub.Text,
		LocationLabel:       sub.LocationLabel,
		Category:            sub.Category,
		Severity:            sub.Severity,
		Urgency:             sub.Urgency,
		Confidence:          sub.Confidence,
		Hazard:              sub.Hazard,
		Escalation:          sub.Escalation,
		RequiresHumanReview: RequiresHumanReview(sub),
		Status:              models.ComplaintNew,
		CreatedAt:           time.Now().UTC(),
	}

	if err := s.Store.InsertComplaint(ctx, complaint); err != nil {
		return models.Complaint{}, &service.TransientStorageError{Op: "insert complaint", Err: err}
	}

	if err := s.Store.InsertAuditEvent(ctx, models.AuditEvent{
		ID:         uuid.New().String(),
		EntityType: "complaint",
		EntityID:   complaint.ID,
		Action:     "complaint_received",
		AgentName:  "intake",
		Details: map[string]any{
			"category":              complaint.Category,
			"requires_human_review": complaint.RequiresHumanReview,
		},
		CreatedAt: complaint.CreatedAt,
	}); err != nil {
		s.Logger.Warn().Err(err).Str("complaint_id", complaint.ID).Msg("audit write failed")
	}

	s.Logger.Info().
		Str("complaint_id", complaint.ID).
		Str("category", complaint.Category).
		Bool("requires_human_review", complaint.RequiresHumanReview).
		Msg("complaint received")
	return complaint, nil
}
