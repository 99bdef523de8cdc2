package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aegis-ops/backend/internal/cache"
	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/models"
)

// DefaultTaskDurationMinutes is the planning estimate used when a task
// has no better figure.
const DefaultTaskDurationMinutes = 30

type SchedulerStore interface {
	GetTeam(ctx context.Context, id string) (models.Team, error)
	FindRunSheetID(ctx context.Context, teamID, date, window string) (string, bool, error)
	TasksByIDs(ctx context.Context, ids []string) ([]models.Task, error)
	ClusterZonesForTasks(ctx context.Context, taskIDs []string) ([]string, error)
	InsertRunSheet(ctx context.Context, rs models.RunSheet) error
	DeleteRunSheet(ctx context.Context, id string) error
	InsertRunSheetTasks(ctx context.Context, tasks []models.RunSheetTask) (int64, error)
	DeleteRunSheetTasks(ctx context.Context, runSheetID string) error
	MarkTasksScheduled(ctx context.Context, ids []string, teamID, date, window string) error
	UnscheduleTasks(ctx context.Context, ids []string, status string) error
	InsertAuditEvent(ctx context.Context, e models.AuditEvent) error
}

type SchedulerService struct {
	Store  SchedulerStore
	Cache  *cache.Cache
	Logger zerolog.Logger
}

type CreateRunSheetInput struct {
	TeamID     string   `json:"team_id" validate:"required"`
	Date       string   `json:"date" validate:"required"`
	TimeWindow string   `json:"time_window" validate:"required"`
	TaskIDs    []string `json:"task_ids" validate:"required"`
	Notes      *string  `json:"notes"`
}

// CreateRunSheet books a team slot. All capacity and conflict checks run
// before any write; the writes themselves form a saga with compensating
// deletes, and the slot's unique constraint is the final arbiter under
// concurrency.
func (s *SchedulerService) CreateRunSheet(ctx context.Context, in CreateRunSheetInput) (models.RunSheet, error) {
	if err := validateRunSheetInput(in); err != nil {
		return models.RunSheet{}, err
	}

	team, err := s.Store.GetTeam(ctx, in.TeamID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return models.RunSheet{}, &NotFoundError{Entity: "team", ID: in.TeamID}
		}
		return models.RunSheet{}, &TransientStorageError{Op: "get team", Err: err}
	}
	if !team.IsActive {
		return models.RunSheet{}, &ValidationError{Field: "team_id", Reason: fmt.Sprintf("team %s is inactive", in.TeamID)}
	}

	if existing, found, err := s.Store.FindRunSheetID(ctx, in.TeamID, in.Date, in.TimeWindow); err != nil {
		return models.RunSheet{}, &TransientStorageError{Op: "check slot", Err: err}
	} else if found {
		return models.RunSheet{}, &ConflictError{
			Entity:     "run sheet",
			ConflictID: existing,
			Reason:     fmt.Sprintf("team %s already has a run sheet for %s %s", in.TeamID, in.Date, in.TimeWindow),
		}
	}

	if len(in.TaskIDs) > team.MaxTasksPerWindow {
		return models.RunSheet{}, &CapacityError{Requested: len(in.TaskIDs), Limit: team.MaxTasksPerWindow}
	}

	tasks, err := s.Store.TasksByIDs(ctx, in.TaskIDs)
	if err != nil {
		return models.RunSheet{}, &TransientStorageError{Op: "load tasks", Err: err}
	}
	if err := checkSchedulable(in.TaskIDs, tasks); err != nil {
		return models.RunSheet{}, err
	}

	zones, err := s.Store.ClusterZonesForTasks(ctx, in.TaskIDs)
	if err != nil {
		return models.RunSheet{}, &TransientStorageError{Op: "resolve zones", Err: err}
	}

	now := time.Now().UTC()
	sheet := models.RunSheet{
		ID:                  uuid.New().String(),
		TeamID:              in.TeamID,
		Date:                in.Date,
		TimeWindow:          in.TimeWindow,
		Status:              models.RunSheetDraft,
		CapacityUsedPercent: capacityUsedPercent(len(in.TaskIDs), team.MaxTasksPerWindow),
		ZonesCovered:        zones,
		Notes:               in.Notes,
		CreatedAt:           now,
	}

	// Saga step 1: claim the slot. A unique violation here means another
	// scheduler won the race after our pre-check.
	if err := s.Store.InsertRunSheet(ctx, sheet); err != nil {
		if db.IsUniqueViolation(err) {
			existing, _, lookupErr := s.Store.FindRunSheetID(ctx, in.TeamID, in.Date, in.TimeWindow)
			if lookupErr != nil {
				s.Logger.Warn().Err(lookupErr).
					Str("team_id", in.TeamID).Str("date", in.Date).Str("time_window", in.TimeWindow).
					Msg("could not resolve conflicting run sheet id")
			}
			return models.RunSheet{}, &ConflictError{
				Entity:     "run sheet",
				ConflictID: existing,
				Reason:     fmt.Sprintf("team %s already has a run sheet for %s %s", in.TeamID, in.Date, in.TimeWindow),
			}
		}
		return models.RunSheet{}, &TransientStorageError{Op: "insert run sheet", Err: err}
	}

	// Saga step 2: attach the tasks.
	items := make([]models.RunSheetTask, 0, len(in.TaskIDs))
	for i, taskID := range in.TaskIDs {
		items = append(items, models.RunSheetTask{
			ID:                uuid.New().String(),
			RunSheetID:        sheet.ID,
			TaskID:            taskID,
			Sequence:          i + 1,
			EstimatedDuration: DefaultTaskDurationMinutes,
		})
	}
	if _, err := s.Store.InsertRunSheetTasks(ctx, items); err != nil {
		s.compensate(ctx, sheet.ID, nil)
		return models.RunSheet{}, &TransientStorageError{Op: "insert run sheet tasks", Err: err}
	}

	// Saga step 3: flip the tasks to SCHEDULED.
	if err := s.Store.MarkTasksScheduled(ctx, in.TaskIDs, in.TeamID, in.Date, in.TimeWindow); err != nil {
		s.compensate(ctx, sheet.ID, in.TaskIDs)
		return models.RunSheet{}, &TransientStorageError{Op: "mark tasks scheduled", Err: err}
	}

	s.Cache.Invalidate(ctx, fmt.Sprintf("availability:%s:%s", in.Date, in.TimeWindow))

	s.audit(ctx, sheet.ID, "run_sheet_created", map[string]any{
		"team_id":     in.TeamID,
		"date":        in.Date,
		"time_window": in.TimeWindow,
		"task_count":  len(in.TaskIDs),
	})

	s.Logger.Info().
		Str("run_sheet_id", sheet.ID).
		Str("team_id", in.TeamID).
		Str("date", in.Date).
		Str("time_window", in.TimeWindow).
		Int("tasks", len(in.TaskIDs)).
		Int("capacity_used_percent", sheet.CapacityUsedPercent).
		Msg("run sheet created")
	return sheet, nil
}

// compensate unwinds completed saga steps in reverse order. Compensation
// failures are logged and do not mask the original error.
func (s *SchedulerService) compensate(ctx context.Context, sheetID string, scheduledTaskIDs []string) {
	if len(scheduledTaskIDs) > 0 {
		if err := s.Store.UnscheduleTasks(ctx, scheduledTaskIDs, models.TaskApproved); err != nil {
			s.Logger.Error().Err(err).Str("run_sheet_id", sheetID).Msg("compensation failed: unschedule tasks")
		}
	}
	if err := s.Store.DeleteRunSheetTasks(ctx, sheetID); err != nil {
		s.Logger.Error().Err(err).Str("run_sheet_id", sheetID).Msg("compensation failed: delete run sheet tasks")
	}
	if err := s.Store.DeleteRunSheet(ctx, sheetID); err != nil {
		s.Logger.Error().Err(err).Str("run_sheet_id", sheetID).Msg("compensation failed: delete run sheet")
	}
}

func (s *SchedulerService) audit(ctx context.Context, sheetID, action string, details map[string]any) {
	err := s.Store.InsertAuditEvent(ctx, models.AuditEvent{
		ID:         uuid.New().String(),
		EntityType: "run_sheet",
		EntityID:   sheetID,
		Action:     action,
		AgentName:  "scheduler",
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.Logger.Warn().Err(err).Str("run_sheet_id", sheetID).Msg("audit write failed")
	}
}

func validateRunSheetInput(in CreateRunSheetInput) error {
	if in.TeamID == "" {
		return &ValidationError{Field: "team_id", Reason: "is required"}
	}
	if _, err := time.Parse("2006-01-02", in.Date); err != nil {
		return &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if in.TimeWindow != models.WindowAM && in.TimeWindow != models.WindowPM {
		return &ValidationError{Field: "time_window", Reason: "must be AM or PM"}
	}
	if len(in.TaskIDs) == 0 {
		return &ValidationError{Field: "task_ids", Reason: "must not be empty"}
	}
	seen := make(map[string]struct{}, len(in.TaskIDs))
	for _, id := range in.TaskIDs {
		if _, dup := seen[id]; dup {
			return &ValidationError{Field: "task_ids", Reason: fmt.Sprintf("duplicate task %s", id)}
		}
		seen[id] = struct{}{}
	}
	return nil
}

func checkSchedulable(requested []string, tasks []models.Task) error {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, id := range requested {
		t, ok := byID[id]
		if !ok {
			return &NotFoundError{Entity: "task", ID: id}
		}
		if t.Status != models.TaskApproved {
			return &ValidationError{
				Field:  "task_ids",
				Reason: fmt.Sprintf("task %s is %s; only APPROVED tasks can be scheduled", id, t.Status),
			}
		}
	}
	return nil
}

func capacityUsedPercent(used, max int) int {
	if max <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(used) / float64(max)))
}
