package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/location"
	"github.com/aegis-ops/backend/internal/models"
)

// MinClusterSize is the minimum group cardinality for creating a new
// cluster. Smaller groups are deferred unless an active cluster already
// exists for the key, in which case even a single complaint is absorbed.
const MinClusterSize = 2

// Confidence below this flags a member for human review.
const reviewConfidenceFloor = 0.6

// ClusterStore is the storage surface the clustering engine needs.
type ClusterStore interface {
	ListUnclusteredComplaints(ctx context.Context, limit int) ([]models.Complaint, error)
	ComplaintsByCategory(ctx context.Context, category string) ([]models.Complaint, error)
	ActiveClustersByCategory(ctx context.Context, category string) ([]models.Cluster, error)
	InsertCluster(ctx context.Context, c models.Cluster) error
	LinkComplaints(ctx context.Context, ids []string, clusterID string) error
	UpdateClusterAggregates(ctx context.Context, agg db.ClusterAggregates) error
	RelinkComplaints(ctx context.Context, fromClusterIDs []string, toClusterID string) (int64, error)
	CloseClusters(ctx context.Context, ids []string, note string, at time.Time) error
}

type ClusteringService struct {
	Store      ClusterStore
	Logger     zerolog.Logger
	BatchLimit int
}

// ClusterResult reports the outcome for one complaint group (or one
// skipped complaint). Failures are isolated per group; a failed group
// never aborts the batch.
type ClusterResult struct {
	ComplaintID string `json:"complaint_id,omitempty"`
	Location    string `json:"location,omitempty"`
	Category    string `json:"category,omitempty"`
	ClusterID   string `json:"cluster_id,omitempty"`
	Linked      int    `json:"linked,omitempty"`
	Created     bool   `json:"created,omitempty"`
	Merged      int    `json:"merged,omitempty"`
	Info        string `json:"info,omitempty"`
	Error       string `json:"error,omitempty"`
}

type ClusterRunSummary struct {
	Processed       int             `json:"processed"`
	ClustersCreated int             `json:"clusters_created"`
	ClustersMerged  int             `json:"clusters_merged"`
	Skipped         int             `json:"skipped"`
	Errors          int             `json:"errors"`
	Results         []ClusterResult `json:"results"`
}

type complaintGroup struct {
	key      string
	category string
	items    []models.Complaint
}

// Run clusters one batch of unclustered complaints. It is idempotent on
// an already-linked batch and safe to abandon between groups: each group
// is its own atomic unit and committed progress stays valid.
func (s *ClusteringService) Run(ctx context.Context) (ClusterRunSummary, error) {
	complaints, err := s.Store.ListUnclusteredComplaints(ctx, s.BatchLimit)
	if err != nil {
		return ClusterRunSummary{}, &TransientStorageError{Op: "list unclustered complaints", Err: err}
	}

	summary := ClusterRunSummary{Results: []ClusterResult{}}
	if len(complaints) == 0 {
		return summary, nil
	}

	groups := groupComplaints(complaints, &summary)

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			// Abandoned mid-batch: committed groups stay valid.
			return summary, err
		}
		s.processGroup(ctx, group, &summary)
	}
	return summary, nil
}

// groupComplaints batches complaints by (canonical key, category),
// recording a skip for each complaint with a blank location label.
func groupComplaints(complaints []models.Complaint, summary *ClusterRunSummary) []complaintGroup {
	byKey := map[string]*complaintGroup{}
	var order []string
	for _, c := range complaints {
		if c.LocationLabel == "" {
			summary.Skipped++
			summary.Results = append(summary.Results, ClusterResult{
				ComplaintID: c.ID,
				Info:        "skipped: missing location label",
			})
			continue
		}
		key := location.GroupKey(c.LocationLabel, c.Category)
		g, ok := byKey[key]
		if !ok {
			g = &complaintGroup{key: location.CanonicalKey(c.LocationLabel), category: c.Category}
			byKey[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, c)
	}

	sort.Strings(order)
	out := make([]complaintGroup, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out
}

func (s *ClusteringService) processGroup(ctx context.Context, group complaintGroup, summary *ClusterRunSummary) {
	now := time.Now().UTC()
	bestLabel := location.ChooseBestLabel(labelsOf(group.items))

	existing, err := s.activeClustersForKey(ctx, group.category, group.key)
	if err != nil {
		s.recordGroupError(summary, group, "fetch active clusters", err)
		return
	}

	if len(group.items) < MinClusterSize && len(existing) == 0 {
		summary.Skipped++
		summary.Results = append(summary.Results, ClusterResult{
			Location: bestLabel,
			Category: group.category,
			Info:     "skipped: below minimum cluster size",
		})
		return
	}

	var primary models.Cluster
	created := false
	if len(existing) > 0 {
		primary = existing[0]
	} else {
		primary = models.Cluster{
			ID:                  uuid.New().String(),
			Category:            group.category,
			LocationLabel:       bestLabel,
			ZoneID:              bestLabel,
			Description:         location.Summarize(textsOf(group.items)),
			State:               models.ClusterTriaged,
			SeverityScore:       maxSeverity(group.items),
			ComplaintCount:      len(group.items),
			RecurrenceCount:     len(group.items),
			RequiresHumanReview: anyRequiresReview(group.items),
			CreatedAt:           now,
			LastSeenAt:          now,
		}
		if err := s.Store.InsertCluster(ctx, primary); err != nil {
			s.recordGroupError(summary, group, "insert cluster", err)
			return
		}
		created = true
		summary.ClustersCreated++
	}

	ids := make([]string, 0, len(group.items))
	for _, c := range group.items {
		ids = append(ids, c.ID)
	}
	if err := s.Store.LinkComplaints(ctx, ids, primary.ID); err != nil {
		s.recordGroupError(summary, group, "link complaints", err)
		return
	}

	// Recompute aggregates from the full current membership, not just
	// this batch, so they never drift across runs.
	if err := s.reaggregate(ctx, primary.ID, group.category, group.key, now); err != nil {
		s.Logger.Error().Err(err).Str("cluster_id", primary.ID).Msg("aggregate refresh failed")
	}

	merged, err := s.mergeDuplicates(ctx, group.category, group.key, now)
	if err != nil {
		s.Logger.Error().Err(err).
			Str("category", group.category).
			Str("key_fp", location.Fingerprint(group.key)).
			Msg("merge reconciliation failed")
	}
	summary.ClustersMerged += merged

	summary.Processed += len(group.items)
	summary.Results = append(summary.Results, ClusterResult{
		Location:  bestLabel,
		Category:  group.category,
		ClusterID: primary.ID,
		Linked:    len(group.items),
		Created:   created,
		Merged:    merged,
	})
}

// activeClustersForKey returns active clusters whose stored label (or
// zone as fallback) canonicalizes to the given key, earliest first.
func (s *ClusteringService) activeClustersForKey(ctx context.Context, category, key string) ([]models.Cluster, error) {
	clusters, err := s.Store.ActiveClustersByCategory(ctx, category)
	if err != nil {
		return nil, err
	}
	var out []models.Cluster
	for _, c := range clusters {
		label := c.LocationLabel
		if label == "" {
			label = c.ZoneID
		}
		if label == "" {
			continue
		}
		if location.CanonicalKey(label) == key {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ClusteringService) reaggregate(ctx context.Context, clusterID, category, key string, now time.Time) error {
	all, err := s.Store.ComplaintsByCategory(ctx, category)
	if err != nil {
		return err
	}
	var members []models.Complaint
	for _, c := range all {
		if c.LocationLabel != "" && location.CanonicalKey(c.LocationLabel) == key {
			members = append(members, c)
		}
	}
	if len(members) == 0 {
		return nil
	}
	bestLabel := location.ChooseBestLabel(labelsOf(members))
	return s.Store.UpdateClusterAggregates(ctx, db.ClusterAggregates{
		ClusterID:           clusterID,
		LocationLabel:       bestLabel,
		ZoneID:              bestLabel,
		Description:         location.Summarize(textsOf(members)),
		SeverityScore:       maxSeverity(members),
		ComplaintCount:      len(members),
		RecurrenceCount:     len(members),
		RequiresHumanReview: anyRequiresReview(members),
		LastSeenAt:          now,
	})
}

// mergeDuplicates restores the one-active-cluster-per-key invariant
// after concurrent runs each created a cluster for the same key. The
// earliest-created cluster survives; losers are closed and their
// complaints re-pointed at the survivor.
func (s *ClusteringService) mergeDuplicates(ctx context.Context, category, key string, now time.Time) (int, error) {
	clusters, err := s.activeClustersForKey(ctx, category, key)
	if err != nil {
		return 0, err
	}
	if len(clusters) <= 1 {
		return 0, nil
	}

	primary := clusters[0]
	loserIDs := make([]string, 0, len(clusters)-1)
	for _, c := range clusters[1:] {
		loserIDs = append(loserIDs, c.ID)
	}

	relinked, err := s.Store.RelinkComplaints(ctx, loserIDs, primary.ID)
	if err != nil {
		return 0, err
	}
	if err := s.Store.CloseClusters(ctx, loserIDs, "Merged into cluster "+primary.ID, now); err != nil {
		return 0, err
	}

	s.Logger.Info().
		Str("primary", primary.ID).
		Strs("merged", loserIDs).
		Int64("complaints_relinked", relinked).
		Msg("merged duplicate clusters")

	if err := s.reaggregate(ctx, primary.ID, category, key, now); err != nil {
		return len(loserIDs), err
	}
	return len(loserIDs), nil
}

func (s *ClusteringService) recordGroupError(summary *ClusterRunSummary, group complaintGroup, op string, err error) {
	s.Logger.Error().Err(err).
		Str("category", group.category).
		Str("key_fp", location.Fingerprint(group.key)).
		Msgf("%s failed", op)
	summary.Errors++
	summary.Results = append(summary.Results, ClusterResult{
		Location: group.key,
		Category: group.category,
		Error:    op + ": " + err.Error(),
	})
}

func labelsOf(items []models.Complaint) []string {
	out := make([]string, 0, len(items))
	for _, c := range items {
		out = append(out, c.LocationLabel)
	}
	return out
}

func textsOf(items []models.Complaint) []string {
	out := make([]string, 0, len(items))
	for _, c := range items {
		out = append(out, c.Text)
	}
	return out
}

func maxSeverity(items []models.Complaint) *int {
	var max *int
	for _, c := range items {
		if c.Severity == nil {
			continue
		}
		if max == nil || *c.Severity > *max {
			v := *c.Severity
			max = &v
		}
	}
	return max
}

func anyRequiresReview(items []models.Complaint) bool {
	for _, c := range items {
		if c.RequiresHumanReview || c.Hazard || c.Escalation {
			return true
		}
		if c.Confidence != nil && *c.Confidence < reviewConfidenceFloor {
			return true
		}
	}
	return false
}
