package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aegis-ops/backend/internal/cache"
	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/models"
)

type DispatchStore interface {
	GetRunSheet(ctx context.Context, id string) (models.RunSheet, error)
	CountRunSheetTasks(ctx context.Context, runSheetID string) (int, error)
	MarkRunSheetDispatched(ctx context.Context, id string, at time.Time, notes *string) error
	MarkTasksDispatchedForSheet(ctx context.Context, runSheetID string) error
	InsertAuditEvent(ctx context.Context, e models.AuditEvent) error
}

type DispatchService struct {
	Store  DispatchStore
	Cache  *cache.Cache
	Logger zerolog.Logger
}

// DispatchResult reports when the sheet went out. AlreadyDispatched is
// set when this call found the sheet dispatched and changed nothing.
type DispatchResult struct {
	RunSheet          models.RunSheet `json:"run_sheet"`
	AlreadyDispatched bool            `json:"already_dispatched"`
}

// Dispatch records that a draft run sheet has been handed to its team.
// Dispatching an already-dispatched sheet succeeds and returns the
// original dispatch time, so crews retrying a flaky connection do not
// see spurious failures.
func (s *DispatchService) Dispatch(ctx context.Context, runSheetID string, notes *string) (DispatchResult, error) {
	sheet, err := s.Store.GetRunSheet(ctx, runSheetID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return DispatchResult{}, &NotFoundError{Entity: "run sheet", ID: runSheetID}
		}
		return DispatchResult{}, &TransientStorageError{Op: "get run sheet", Err: err}
	}

	if sheet.DispatchedAt != nil || sheet.Status == models.RunSheetDispatched {
		return DispatchResult{RunSheet: sheet, AlreadyDispatched: true}, nil
	}
	if sheet.Status != models.RunSheetDraft {
		return DispatchResult{}, &ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("run sheet %s is %s and can no longer be dispatched", runSheetID, sheet.Status),
		}
	}

	count, err := s.Store.CountRunSheetTasks(ctx, runSheetID)
	if err != nil {
		return DispatchResult{}, &TransientStorageError{Op: "count run sheet tasks", Err: err}
	}
	if count == 0 {
		return DispatchResult{}, &ValidationError{Field: "run_sheet_id", Reason: "run sheet has no tasks"}
	}

	now := time.Now().UTC()
	merged := mergeDispatchNotes(sheet.Notes, notes)
	if err := s.Store.MarkRunSheetDispatched(ctx, runSheetID, now, merged); err != nil {
		return DispatchResult{}, &TransientStorageError{Op: "mark run sheet dispatched", Err: err}
	}
	if err := s.Store.MarkTasksDispatchedForSheet(ctx, runSheetID); err != nil {
		// The sheet is already out; a stale task status is recoverable
		// and must not fail the dispatch.
		s.Logger.Error().Err(err).Str("run_sheet_id", runSheetID).Msg("task dispatch status update failed")
	}

	s.Cache.Invalidate(ctx, fmt.Sprintf("availability:%s:%s", sheet.Date, sheet.TimeWindow))

	if err := s.Store.InsertAuditEvent(ctx, models.AuditEvent{
		ID:         uuid.New().String(),
		EntityType: "run_sheet",
		EntityID:   runSheetID,
		Action:     "run_sheet_dispatched",
		AgentName:  "dispatcher",
		Details:    map[string]any{"task_count": count, "team_id": sheet.TeamID},
		CreatedAt:  now,
	}); err != nil {
		s.Logger.Warn().Err(err).Str("run_sheet_id", runSheetID).Msg("audit write failed")
	}

	s.Logger.Info().
		Str("run_sheet_id", runSheetID).
		Str("team_id", sheet.TeamID).
		Int("tasks", count).
		Msg("run sheet dispatched")

	sheet.Status = models.RunSheetDispatched
	sheet.DispatchedAt = &now
	sheet.Notes = merged
	return DispatchResult{RunSheet: sheet}, nil
}

func mergeDispatchNotes(existing, added *string) *string {
	if added == nil || *added == "" {
		return existing
	}
	if existing == nil || *existing == "" {
		merged := "[Dispatch Notes]: " + *added
		return &merged
	}
	merged := *existing + "\n\n[Dispatch Notes]: " + *added
	return &merged
}
