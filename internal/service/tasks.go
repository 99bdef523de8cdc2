package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aegis-ops/backend/internal/models"
)

type TaskStore interface {
	ClustersByState(ctx context.Context, state string) ([]models.Cluster, error)
	TaskExistsForCluster(ctx context.Context, clusterID string) (bool, error)
	CreateTaskForCluster(ctx context.Context, t models.Task) error
}

type MaterializerService struct {
	Store  TaskStore
	Logger zerolog.Logger
}

// MaterializeResult is the per-cluster outcome of one materialization run.
type MaterializeResult struct {
	ClusterID string  `json:"cluster_id"`
	TaskID    string  `json:"task_id,omitempty"`
	Status    string  `json:"status,omitempty"`
	Skipped   bool    `json:"skipped"`
	Reason    string  `json:"reason,omitempty"`
	Error     *string `json:"error,omitempty"`
}

type MaterializeSummary struct {
	Created int                 `json:"created"`
	Skipped int                 `json:"skipped"`
	Failed  int                 `json:"failed"`
	Results []MaterializeResult `json:"results"`
}

// Run creates exactly one task per REVIEWED cluster. Failures on one
// cluster do not abort the rest; each outcome is reported individually.
func (s *MaterializerService) Run(ctx context.Context) (MaterializeSummary, error) {
	clusters, err := s.Store.ClustersByState(ctx, models.ClusterReviewed)
	if err != nil {
		return MaterializeSummary{}, &TransientStorageError{Op: "list reviewed clusters", Err: err}
	}

	summary := MaterializeSummary{Results: make([]MaterializeResult, 0, len(clusters))}
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res := s.materialize(ctx, cluster)
		if res.Error != nil {
			summary.Failed++
		} else if res.Skipped {
			summary.Skipped++
		} else {
			summary.Created++
		}
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}

func (s *MaterializerService) materialize(ctx context.Context, cluster models.Cluster) MaterializeResult {
	res := MaterializeResult{ClusterID: cluster.ID}

	exists, err := s.Store.TaskExistsForCluster(ctx, cluster.ID)
	if err != nil {
		msg := err.Error()
		res.Error = &msg
		return res
	}
	if exists {
		res.Skipped = true
		res.Reason = "task already exists for cluster"
		return res
	}

	task := models.Task{
		ID:               uuid.New().String(),
		ClusterID:        cluster.ID,
		TaskType:         taskTypeFor(cluster),
		Status:           models.TaskApproved,
		RequiresApproval: cluster.RequiresHumanReview,
		CreatedAt:        time.Now().UTC(),
	}
	// Flagged clusters enter as PLANNED and need a supervisor sign-off
	// before they become schedulable.
	if cluster.RequiresHumanReview {
		task.Status = models.TaskPlanned
	}

	if err := s.Store.CreateTaskForCluster(ctx, task); err != nil {
		s.Logger.Error().Err(err).Str("cluster_id", cluster.ID).Msg("task creation failed")
		msg := err.Error()
		res.Error = &msg
		return res
	}

	s.Logger.Info().
		Str("cluster_id", cluster.ID).
		Str("task_id", task.ID).
		Str("status", task.Status).
		Msg("task materialized")

	res.TaskID = task.ID
	res.Status = task.Status
	return res
}

func taskTypeFor(cluster models.Cluster) string {
	if cluster.AssignedPlaybook != nil && *cluster.AssignedPlaybook != "" {
		return *cluster.AssignedPlaybook
	}
	return "GENERAL_INSPECTION"
}
