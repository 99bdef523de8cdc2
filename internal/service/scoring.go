package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/models"
)

// FairnessBoostPoints is added when a cluster is low-volume but severe:
// an anti-starvation rule so under-reported locations are not perpetually
// outranked by high-volume, low-severity clusters.
const FairnessBoostPoints = 20

type ScoringStore interface {
	ClustersByState(ctx context.Context, state string) ([]models.Cluster, error)
	GetCluster(ctx context.Context, id string) (models.Cluster, error)
	UpdateClusterReview(ctx context.Context, id string, score int, playbook *string, notes string, at time.Time) error
}

type ScoringService struct {
	Store  ScoringStore
	Logger zerolog.Logger
}

// Recommendation is one ranked, human-reviewable scoring proposal. It
// mutates nothing; only Approve advances cluster state.
type Recommendation struct {
	ClusterID           string    `json:"cluster_id"`
	Category            string    `json:"category"`
	Location            string    `json:"location"`
	BaseScore           int       `json:"base_score"`
	FairnessBoost       bool      `json:"fairness_boost"`
	FinalScore          int       `json:"final_score"`
	Playbook            *string   `json:"playbook"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	ComplaintCount      int       `json:"complaint_count"`
	SeverityScore       *int      `json:"severity_score"`
	CreatedAt           time.Time `json:"created_at"`
}

// Recommendations scores all TRIAGED clusters, ranked descending by
// final score with ties going to the older cluster.
func (s *ScoringService) Recommendations(ctx context.Context) ([]Recommendation, error) {
	clusters, err := s.Store.ClustersByState(ctx, models.ClusterTriaged)
	if err != nil {
		return nil, &TransientStorageError{Op: "list triaged clusters", Err: err}
	}

	recs := make([]Recommendation, 0, len(clusters))
	for _, c := range clusters {
		recs = append(recs, Score(c))
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].FinalScore != recs[j].FinalScore {
			return recs[i].FinalScore > recs[j].FinalScore
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

// Score computes the recommendation for a single cluster.
func Score(c models.Cluster) Recommendation {
	base := BaseScore(c)
	boost := QualifiesForFairnessBoost(c)
	final := base
	if boost {
		final += FairnessBoostPoints
	}

	playbook, ok := PlaybookFor(c.Category, c.SeverityScore)
	rec := Recommendation{
		ClusterID:           c.ID,
		Category:            c.Category,
		Location:            c.LocationLabel,
		BaseScore:           base,
		FairnessBoost:       boost,
		FinalScore:          final,
		RequiresHumanReview: c.RequiresHumanReview,
		ComplaintCount:      c.ComplaintCount,
		SeverityScore:       c.SeverityScore,
		CreatedAt:           c.CreatedAt,
	}
	if ok {
		rec.Playbook = &playbook
	} else {
		// No defensible procedure for this combination: escalate
		// instead of guessing.
		rec.RequiresHumanReview = true
	}
	return rec
}

// BaseScore uses the cluster's stored priority when present, otherwise a
// monotonic mapping from severity, clamped to [0,100].
func BaseScore(c models.Cluster) int {
	if c.PriorityScore != nil {
		return *c.PriorityScore
	}
	if c.SeverityScore == nil {
		return 0
	}
	score := *c.SeverityScore * 20
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// QualifiesForFairnessBoost recomputes the boost condition from the
// cluster's own aggregates; an advisory agent's fairness flag is never
// trusted verbatim.
func QualifiesForFairnessBoost(c models.Cluster) bool {
	return c.ComplaintCount <= 2 &&
		c.SeverityScore != nil && *c.SeverityScore >= 4 &&
		c.RecurrenceCount <= 1
}

var playbooks = map[string]struct{ standard, urgent string }{
	"bin_overflow":        {"PB-OVERFLOW-STANDARD", "PB-OVERFLOW-URGENT"},
	"overflow":            {"PB-OVERFLOW-STANDARD", "PB-OVERFLOW-URGENT"},
	"litter":              {"PB-LITTER-SWEEP", "PB-LITTER-SWEEP"},
	"blocked_drain":       {"PB-DRAIN-CLEAR", "PB-DRAIN-CLEAR-PRIORITY"},
	"smell":               {"PB-ODOUR-INSPECT", "PB-ODOUR-INSPECT"},
	"walkway_cleanliness": {"PB-WALKWAY-WASH", "PB-WALKWAY-WASH"},
	"cleaning":            {"PB-GENERAL-CLEAN", "PB-GENERAL-CLEAN"},
}

// PlaybookFor maps (category, severity) to a remediation procedure.
// Unknown categories return ok=false so the caller escalates to a human.
func PlaybookFor(category string, severity *int) (string, bool) {
	pb, ok := playbooks[category]
	if !ok {
		return "", false
	}
	if severity != nil && *severity >= 4 {
		return pb.urgent, true
	}
	return pb.standard, true
}

// ApproveInput carries the operator's (or an advisory agent's, after
// validation) chosen score, playbook and notes.
type ApproveInput struct {
	PriorityScore *int
	Playbook      *string
	Notes         string
}

// ApproveResult distinguishes a fresh approval from the idempotent
// no-op on an already-reviewed cluster.
type ApproveResult struct {
	Cluster         models.Cluster `json:"cluster"`
	AlreadyReviewed bool           `json:"already_reviewed"`
}

// Approve performs the one legal TRIAGED -> REVIEWED transition and
// records the decided score, playbook and notes on the cluster row so
// the decision is auditable independent of the recommendation text.
// Re-approving a REVIEWED cluster is a no-op.
func (s *ScoringService) Approve(ctx context.Context, clusterID string, in ApproveInput) (ApproveResult, error) {
	cluster, err := s.Store.GetCluster(ctx, clusterID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return ApproveResult{}, &NotFoundError{Entity: "cluster", ID: clusterID}
		}
		return ApproveResult{}, &TransientStorageError{Op: "get cluster", Err: err}
	}

	if cluster.State == models.ClusterReviewed {
		return ApproveResult{Cluster: cluster, AlreadyReviewed: true}, nil
	}
	if cluster.State != models.ClusterTriaged {
		return ApproveResult{}, &ValidationError{
			Field:  "state",
			Reason: fmt.Sprintf("cluster %s is %s; only TRIAGED clusters can be approved", clusterID, cluster.State),
		}
	}

	rec := Score(cluster)
	score := rec.FinalScore
	if in.PriorityScore != nil {
		score = *in.PriorityScore
	}
	playbook := rec.Playbook
	if in.Playbook != nil {
		playbook = in.Playbook
	}

	if err := s.Store.UpdateClusterReview(ctx, clusterID, score, playbook, in.Notes, time.Now().UTC()); err != nil {
		return ApproveResult{}, &TransientStorageError{Op: "record cluster review", Err: err}
	}

	s.Logger.Info().
		Str("cluster_id", clusterID).
		Int("priority_score", score).
		Bool("fairness_boost", rec.FairnessBoost).
		Msg("cluster approved")

	cluster.State = models.ClusterReviewed
	cluster.PriorityScore = &score
	cluster.AssignedPlaybook = playbook
	if in.Notes != "" {
		notes := in.Notes
		cluster.ReviewNotes = &notes
	}
	return ApproveResult{Cluster: cluster}, nil
}
