package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/models"
)

type fakeClusterStore struct {
	mu         sync.Mutex
	complaints map[string]*models.Complaint
	clusters   map[string]*models.Cluster

	failInsertCluster bool
	failLink          bool
}

func newFakeClusterStore() *fakeClusterStore {
	return &fakeClusterStore{
		complaints: map[string]*models.Complaint{},
		clusters:   map[string]*models.Cluster{},
	}
}

func (f *fakeClusterStore) addComplaint(c models.Complaint) {
	if c.Status == "" {
		c.Status = models.ComplaintNew
	}
	cp := c
	f.mu.Lock()
	defer f.mu.Unlock()
	f.complaints[c.ID] = &cp
}

func (f *fakeClusterStore) addCluster(c models.Cluster) {
	cp := c
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusters[c.ID] = &cp
}

func (f *fakeClusterStore) ListUnclusteredComplaints(ctx context.Context, limit int) ([]models.Complaint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Complaint
	for _, c := range f.complaints {
		if c.ClusterID == nil {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeClusterStore) ComplaintsByCategory(ctx context.Context, category string) ([]models.Complaint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Complaint
	for _, c := range f.complaints {
		if c.Category == category {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeClusterStore) ActiveClustersByCategory(ctx context.Context, category string) ([]models.Cluster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Cluster
	for _, c := range f.clusters {
		if c.Category == category && c.Active() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeClusterStore) InsertCluster(ctx context.Context, c models.Cluster) error {
	if f.failInsertCluster {
		return errors.New("insert failed")
	}
	f.addCluster(c)
	return nil
}

func (f *fakeClusterStore) LinkComplaints(ctx context.Context, ids []string, clusterID string) error {
	if f.failLink {
		return errors.New("link failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if c, ok := f.complaints[id]; ok {
			cid := clusterID
			c.ClusterID = &cid
			c.Status = models.ComplaintLinked
		}
	}
	return nil
}

func (f *fakeClusterStore) UpdateClusterAggregates(ctx context.Context, agg db.ClusterAggregates) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clusters[agg.ClusterID]
	if !ok {
		return errors.New("no such cluster")
	}
	c.LocationLabel = agg.LocationLabel
	c.ZoneID = agg.ZoneID
	c.Description = agg.Description
	c.SeverityScore = agg.SeverityScore
	c.ComplaintCount = agg.ComplaintCount
	c.RecurrenceCount = agg.RecurrenceCount
	c.RequiresHumanReview = agg.RequiresHumanReview
	c.LastSeenAt = agg.LastSeenAt
	return nil
}

func (f *fakeClusterStore) RelinkComplaints(ctx context.Context, fromClusterIDs []string, toClusterID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	from := map[string]bool{}
	for _, id := range fromClusterIDs {
		from[id] = true
	}
	for _, c := range f.complaints {
		if c.ClusterID != nil && from[*c.ClusterID] {
			cid := toClusterID
			c.ClusterID = &cid
			n++
		}
	}
	return n, nil
}

func (f *fakeClusterStore) CloseClusters(ctx context.Context, ids []string, note string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if c, ok := f.clusters[id]; ok {
			c.State = models.ClusterClosed
			n := note
			c.ReviewNotes = &n
			c.LastActionAt = &at
		}
	}
	return nil
}

func intp(v int) *int { return &v }

func floatp(v float64) *float64 { return &v }

func newClusteringService(store ClusterStore) *ClusteringService {
	return &ClusteringService{Store: store, Logger: zerolog.Nop(), BatchLimit: 200}
}

func TestRunMergesLocationVariantsIntoOneCluster(t *testing.T) {
	store := newFakeClusterStore()
	base := time.Now().UTC()
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "Bin overflowing badly",
		LocationLabel: "Blk 123 Yishun Ave 1, Singapore 760123",
		Category:      "bin_overflow", Severity: intp(4), Confidence: floatp(0.9), CreatedAt: base,
	})
	store.addComplaint(models.Complaint{
		ID: "c2", Text: "Rubbish piling up",
		LocationLabel: "Blk123 Yishun Ave1 S760123",
		Category:      "bin_overflow", Severity: intp(3), Confidence: floatp(0.85), CreatedAt: base.Add(time.Minute),
	})

	summary, err := newClusteringService(store).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.ClustersCreated)
	require.Equal(t, 2, summary.Processed)
	require.Len(t, store.clusters, 1)

	for _, cluster := range store.clusters {
		require.Equal(t, models.ClusterTriaged, cluster.State)
		require.Equal(t, 2, cluster.ComplaintCount)
		require.NotNil(t, cluster.SeverityScore)
		require.Equal(t, 4, *cluster.SeverityScore)
	}
	for _, c := range store.complaints {
		require.NotNil(t, c.ClusterID)
		require.Equal(t, models.ComplaintLinked, c.Status)
	}
}

func TestRunSkipsSingletonGroup(t *testing.T) {
	store := newFakeClusterStore()
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "Litter", LocationLabel: "Blk 9 Bedok North St 1",
		Category: "litter", Severity: intp(2), CreatedAt: time.Now().UTC(),
	})

	summary, err := newClusteringService(store).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.ClustersCreated)
	require.Equal(t, 1, summary.Skipped)
	require.Empty(t, store.clusters)
	require.Nil(t, store.complaints["c1"].ClusterID)
}

func TestRunAbsorbsSingletonIntoExistingCluster(t *testing.T) {
	store := newFakeClusterStore()
	base := time.Now().UTC().Add(-time.Hour)
	store.addCluster(models.Cluster{
		ID: "cl1", Category: "litter", LocationLabel: "Blk 9 Bedok North St 1",
		State: models.ClusterTriaged, ComplaintCount: 2, CreatedAt: base, LastSeenAt: base,
	})
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "Still littered", LocationLabel: "Blk 9 Bedok North St 1",
		Category: "litter", Severity: intp(2), CreatedAt: time.Now().UTC(),
	})

	summary, err := newClusteringService(store).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.ClustersCreated)
	require.Equal(t, 1, summary.Processed)
	require.NotNil(t, store.complaints["c1"].ClusterID)
	require.Equal(t, "cl1", *store.complaints["c1"].ClusterID)
	require.Equal(t, 1, store.clusters["cl1"].ComplaintCount)
}

func TestRunIdempotentOnLinkedBatch(t *testing.T) {
	store := newFakeClusterStore()
	base := time.Now().UTC()
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "a", LocationLabel: "Blk 1 Toa Payoh Lor 2",
		Category: "smell", Severity: intp(3), CreatedAt: base,
	})
	store.addComplaint(models.Complaint{
		ID: "c2", Text: "b", LocationLabel: "Blk 1 Toa Payoh Lor 2",
		Category: "smell", Severity: intp(2), CreatedAt: base.Add(time.Second),
	})

	svc := newClusteringService(store)
	_, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, store.clusters, 1)

	var before models.Cluster
	for _, c := range store.clusters {
		before = *c
	}

	summary, err := svc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.Processed)
	require.Equal(t, 0, summary.ClustersCreated)
	require.Len(t, store.clusters, 1)
	for _, c := range store.clusters {
		require.Equal(t, before.ComplaintCount, c.ComplaintCount)
		require.Equal(t, before.SeverityScore, c.SeverityScore)
	}
}

func TestRunMergesDuplicateActiveClusters(t *testing.T) {
	store := newFakeClusterStore()
	base := time.Now().UTC().Add(-time.Hour)
	store.addCluster(models.Cluster{
		ID: "older", Category: "bin_overflow", LocationLabel: "Blk 321 Hougang Ave 5",
		State: models.ClusterTriaged, CreatedAt: base, LastSeenAt: base,
	})
	store.addCluster(models.Cluster{
		ID: "newer", Category: "bin_overflow", LocationLabel: "Blk321 Hougang Ave5",
		State: models.ClusterTriaged, CreatedAt: base.Add(time.Minute), LastSeenAt: base,
	})
	older := "older"
	newer := "newer"
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "a", LocationLabel: "Blk 321 Hougang Ave 5",
		Category: "bin_overflow", Severity: intp(3), ClusterID: &older, CreatedAt: base,
	})
	store.addComplaint(models.Complaint{
		ID: "c2", Text: "b", LocationLabel: "Blk321 Hougang Ave5",
		Category: "bin_overflow", Severity: intp(4), ClusterID: &newer, CreatedAt: base.Add(time.Second),
	})
	store.addComplaint(models.Complaint{
		ID: "c3", Text: "c", LocationLabel: "Blk 321 Hougang Ave 5",
		Category: "bin_overflow", Severity: intp(2), CreatedAt: time.Now().UTC(),
	})

	summary, err := newClusteringService(store).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.ClustersMerged)

	require.Equal(t, models.ClusterClosed, store.clusters["newer"].State)
	require.NotNil(t, store.clusters["newer"].ReviewNotes)
	require.Equal(t, "Merged into cluster older", *store.clusters["newer"].ReviewNotes)

	survivor := store.clusters["older"]
	require.True(t, survivor.Active())
	require.Equal(t, 3, survivor.ComplaintCount)
	require.Equal(t, 4, *survivor.SeverityScore)
	for _, c := range store.complaints {
		require.Equal(t, "older", *c.ClusterID)
	}
}

func TestRunConcurrentClusterersConverge(t *testing.T) {
	store := newFakeClusterStore()
	base := time.Now().UTC()
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "Bins overflowing", LocationLabel: "Blk 55 Serangoon North Ave 1",
		Category: "bin_overflow", Severity: intp(3), CreatedAt: base,
	})
	store.addComplaint(models.Complaint{
		ID: "c2", Text: "Rubbish everywhere", LocationLabel: "Blk55 Serangoon North Ave1",
		Category: "bin_overflow", Severity: intp(4), CreatedAt: base.Add(time.Second),
	})

	svc := newClusteringService(store)
	const runners = 8
	errs := make(chan error, runners)
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Run(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Racing runners may each have created a cluster for the key. The
	// next complaint at the same location settles them down to one.
	store.addComplaint(models.Complaint{
		ID: "c3", Text: "Still overflowing", LocationLabel: "Blk 55 Serangoon North Ave 1",
		Category: "bin_overflow", Severity: intp(2), CreatedAt: time.Now().UTC(),
	})
	_, err := svc.Run(context.Background())
	require.NoError(t, err)

	var survivor *models.Cluster
	active := 0
	for _, c := range store.clusters {
		if c.Active() {
			active++
			survivor = c
		}
	}
	require.Equal(t, 1, active)
	require.Equal(t, 3, survivor.ComplaintCount)
	require.Equal(t, 4, *survivor.SeverityScore)
	require.Equal(t, survivor.ID, *store.complaints["c3"].ClusterID)
	for _, c := range store.complaints {
		require.NotNil(t, c.ClusterID)
	}
}

func TestRunSkipsBlankLocation(t *testing.T) {
	store := newFakeClusterStore()
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "no location", Category: "litter", Severity: intp(1), CreatedAt: time.Now().UTC(),
	})

	summary, err := newClusteringService(store).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Empty(t, store.clusters)
}

func TestRunIsolatesGroupFailures(t *testing.T) {
	store := newFakeClusterStore()
	store.failInsertCluster = true
	base := time.Now().UTC()
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "a", LocationLabel: "Blk 2 Ang Mo Kio Ave 3",
		Category: "litter", Severity: intp(2), CreatedAt: base,
	})
	store.addComplaint(models.Complaint{
		ID: "c2", Text: "b", LocationLabel: "Blk 2 Ang Mo Kio Ave 3",
		Category: "litter", Severity: intp(2), CreatedAt: base.Add(time.Second),
	})

	summary, err := newClusteringService(store).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Errors)
	require.Equal(t, 0, summary.ClustersCreated)
}

func TestRunFlagsLowConfidenceMembers(t *testing.T) {
	store := newFakeClusterStore()
	base := time.Now().UTC()
	store.addComplaint(models.Complaint{
		ID: "c1", Text: "a", LocationLabel: "Blk 8 Clementi West St 2",
		Category: "smell", Severity: intp(3), Confidence: floatp(0.5), CreatedAt: base,
	})
	store.addComplaint(models.Complaint{
		ID: "c2", Text: "b", LocationLabel: "Blk 8 Clementi West St 2",
		Category: "smell", Severity: intp(2), Confidence: floatp(0.9), CreatedAt: base.Add(time.Second),
	})

	_, err := newClusteringService(store).Run(context.Background())
	require.NoError(t, err)
	for _, cluster := range store.clusters {
		require.True(t, cluster.RequiresHumanReview)
	}
}
