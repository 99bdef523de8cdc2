package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis-ops/backend/internal/cache"
	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/models"
)

const availabilityCacheTTL = 30 * time.Second

type QueryStore interface {
	ListClusters(ctx context.Context, state string, limit int) ([]models.Cluster, error)
	GetCluster(ctx context.Context, id string) (models.Cluster, error)
	ListPendingTasks(ctx context.Context, zone string) ([]db.PendingTask, error)
	ListActiveTeams(ctx context.Context) ([]models.Team, error)
	RunSheetsForWindow(ctx context.Context, date, window string) ([]models.RunSheet, error)
	RunSheetTaskCounts(ctx context.Context, sheetIDs []string) (map[string]int, error)
	ListRunSheets(ctx context.Context, date, teamID, status string) ([]models.RunSheet, error)
	GetRunSheet(ctx context.Context, id string) (models.RunSheet, error)
	ListRunSheetTasks(ctx context.Context, runSheetID string) ([]models.RunSheetTask, error)
	ListAuditEvents(ctx context.Context, entityType string, limit int) ([]models.AuditEvent, error)
}

// QueryService serves the read-side listing endpoints. Cache may be nil.
type QueryService struct {
	Store  QueryStore
	Cache  *cache.Cache
	Logger zerolog.Logger
}

func (s *QueryService) Clusters(ctx context.Context, state string, limit int) ([]models.Cluster, error) {
	clusters, err := s.Store.ListClusters(ctx, state, limit)
	if err != nil {
		return nil, &TransientStorageError{Op: "list clusters", Err: err}
	}
	return clusters, nil
}

func (s *QueryService) Cluster(ctx context.Context, id string) (models.Cluster, error) {
	c, err := s.Store.GetCluster(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return models.Cluster{}, &NotFoundError{Entity: "cluster", ID: id}
		}
		return models.Cluster{}, &TransientStorageError{Op: "get cluster", Err: err}
	}
	return c, nil
}

func (s *QueryService) PendingTasks(ctx context.Context, zone string) ([]db.PendingTask, error) {
	tasks, err := s.Store.ListPendingTasks(ctx, zone)
	if err != nil {
		return nil, &TransientStorageError{Op: "list pending tasks", Err: err}
	}
	return tasks, nil
}

// TeamAvailability returns the per-team capacity picture for one
// (date, window), cached briefly since dispatch consoles poll it.
func (s *QueryService) TeamAvailability(ctx context.Context, date, window string) ([]models.TeamAvailability, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if window != models.WindowAM && window != models.WindowPM {
		return nil, &ValidationError{Field: "time_window", Reason: "must be AM or PM"}
	}

	key := fmt.Sprintf("availability:%s:%s", date, window)
	var cached []models.TeamAvailability
	if s.Cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	teams, err := s.Store.ListActiveTeams(ctx)
	if err != nil {
		return nil, &TransientStorageError{Op: "list teams", Err: err}
	}
	sheets, err := s.Store.RunSheetsForWindow(ctx, date, window)
	if err != nil {
		return nil, &TransientStorageError{Op: "list run sheets", Err: err}
	}

	sheetIDs := make([]string, 0, len(sheets))
	sheetByTeam := make(map[string]models.RunSheet, len(sheets))
	for _, sh := range sheets {
		sheetIDs = append(sheetIDs, sh.ID)
		sheetByTeam[sh.TeamID] = sh
	}
	counts, err := s.Store.RunSheetTaskCounts(ctx, sheetIDs)
	if err != nil {
		return nil, &TransientStorageError{Op: "count run sheet tasks", Err: err}
	}

	out := make([]models.TeamAvailability, 0, len(teams))
	for _, team := range teams {
		av := models.TeamAvailability{
			TeamID:            team.ID,
			TeamName:          team.Name,
			MembersCount:      team.MembersCount,
			MaxTasks:          team.MaxTasksPerWindow,
			AvailableCapacity: team.MaxTasksPerWindow,
			PrimaryZone:       team.PrimaryZone,
		}
		if sh, ok := sheetByTeam[team.ID]; ok {
			id := sh.ID
			status := sh.Status
			av.HasRunSheet = true
			av.RunSheetID = &id
			av.RunSheetStatus = &status
			av.AssignedTasks = counts[sh.ID]
			av.AvailableCapacity = team.MaxTasksPerWindow - av.AssignedTasks
			if av.AvailableCapacity < 0 {
				av.AvailableCapacity = 0
			}
		}
		out = append(out, av)
	}

	s.Cache.Set(ctx, key, out, availabilityCacheTTL)
	return out, nil
}

// RunSheetSummary aggregates a run sheet listing for the ops overview.
type RunSheetSummary struct {
	Total              int            `json:"total"`
	ByStatus           map[string]int `json:"by_status"`
	TotalTasks         int            `json:"total_tasks"`
	AvgCapacityPercent int            `json:"avg_capacity_percent"`
}

type RunSheetList struct {
	Sheets    []models.RunSheet `json:"run_sheets"`
	TaskCount map[string]int    `json:"task_counts"`
	Summary   RunSheetSummary   `json:"summary"`
}

func (s *QueryService) RunSheets(ctx context.Context, date, teamID, status string) (RunSheetList, error) {
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return RunSheetList{}, &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
		}
	}
	sheets, err := s.Store.ListRunSheets(ctx, date, teamID, status)
	if err != nil {
		return RunSheetList{}, &TransientStorageError{Op: "list run sheets", Err: err}
	}

	ids := make([]string, 0, len(sheets))
	for _, sh := range sheets {
		ids = append(ids, sh.ID)
	}
	counts, err := s.Store.RunSheetTaskCounts(ctx, ids)
	if err != nil {
		return RunSheetList{}, &TransientStorageError{Op: "count run sheet tasks", Err: err}
	}

	summary := RunSheetSummary{Total: len(sheets), ByStatus: map[string]int{}}
	capacitySum := 0
	for _, sh := range sheets {
		summary.ByStatus[sh.Status]++
		summary.TotalTasks += counts[sh.ID]
		capacitySum += sh.CapacityUsedPercent
	}
	if len(sheets) > 0 {
		summary.AvgCapacityPercent = capacitySum / len(sheets)
	}

	return RunSheetList{Sheets: sheets, TaskCount: counts, Summary: summary}, nil
}

// RunSheetDetail is one sheet with its ordered task list.
type RunSheetDetail struct {
	Sheet models.RunSheet       `json:"run_sheet"`
	Tasks []models.RunSheetTask `json:"tasks"`
}

func (s *QueryService) RunSheet(ctx context.Context, id string) (RunSheetDetail, error) {
	sheet, err := s.Store.GetRunSheet(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return RunSheetDetail{}, &NotFoundError{Entity: "run sheet", ID: id}
		}
		return RunSheetDetail{}, &TransientStorageError{Op: "get run sheet", Err: err}
	}
	tasks, err := s.Store.ListRunSheetTasks(ctx, id)
	if err != nil {
		return RunSheetDetail{}, &TransientStorageError{Op: "list run sheet tasks", Err: err}
	}
	return RunSheetDetail{Sheet: sheet, Tasks: tasks}, nil
}

func (s *QueryService) AuditEvents(ctx context.Context, entityType string, limit int) ([]models.AuditEvent, error) {
	events, err := s.Store.ListAuditEvents(ctx, entityType, limit)
	if err != nil {
		return nil, &TransientStorageError{Op: "list audit events", Err: err}
	}
	return events, nil
}
