package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/models"
)

type fakeSchedulerStore struct {
	teams      map[string]models.Team
	tasks      map[string]*models.Task
	sheets     map[string]*models.RunSheet
	sheetTasks map[string][]models.RunSheetTask
	audits     []models.AuditEvent

	failInsertSheet      error
	failInsertSheetTasks error
	failMarkScheduled    error
	failFindRunSheet     error

	// raceSheet and failFindRunSheet affect only lookups after the
	// first, mimicking a competing scheduler landing between the
	// pre-check and the insert.
	raceSheet *models.RunSheet
	findCalls int
}

func newFakeSchedulerStore() *fakeSchedulerStore {
	return &fakeSchedulerStore{
		teams:      map[string]models.Team{},
		tasks:      map[string]*models.Task{},
		sheets:     map[string]*models.RunSheet{},
		sheetTasks: map[string][]models.RunSheetTask{},
	}
}

func (f *fakeSchedulerStore) GetTeam(ctx context.Context, id string) (models.Team, error) {
	t, ok := f.teams[id]
	if !ok {
		return models.Team{}, db.ErrNoRows
	}
	return t, nil
}

func (f *fakeSchedulerStore) FindRunSheetID(ctx context.Context, teamID, date, window string) (string, bool, error) {
	f.findCalls++
	if f.failFindRunSheet != nil && f.findCalls > 1 {
		return "", false, f.failFindRunSheet
	}
	if f.raceSheet != nil && f.findCalls > 1 {
		sh := f.raceSheet
		if sh.TeamID == teamID && sh.Date == date && sh.TimeWindow == window {
			return sh.ID, true, nil
		}
	}
	for _, sh := range f.sheets {
		if sh.TeamID == teamID && sh.Date == date && sh.TimeWindow == window {
			return sh.ID, true, nil
		}
	}
	return "", false, nil
}

func (f *fakeSchedulerStore) TasksByIDs(ctx context.Context, ids []string) ([]models.Task, error) {
	var out []models.Task
	for _, id := range ids {
		if t, ok := f.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeSchedulerStore) ClusterZonesForTasks(ctx context.Context, taskIDs []string) ([]string, error) {
	return []string{"zone-1"}, nil
}

func (f *fakeSchedulerStore) InsertRunSheet(ctx context.Context, rs models.RunSheet) error {
	if f.failInsertSheet != nil {
		return f.failInsertSheet
	}
	cp := rs
	f.sheets[rs.ID] = &cp
	return nil
}

func (f *fakeSchedulerStore) DeleteRunSheet(ctx context.Context, id string) error {
	delete(f.sheets, id)
	return nil
}

func (f *fakeSchedulerStore) InsertRunSheetTasks(ctx context.Context, tasks []models.RunSheetTask) (int64, error) {
	if f.failInsertSheetTasks != nil {
		return 0, f.failInsertSheetTasks
	}
	for _, t := range tasks {
		f.sheetTasks[t.RunSheetID] = append(f.sheetTasks[t.RunSheetID], t)
	}
	return int64(len(tasks)), nil
}

func (f *fakeSchedulerStore) DeleteRunSheetTasks(ctx context.Context, runSheetID string) error {
	delete(f.sheetTasks, runSheetID)
	return nil
}

func (f *fakeSchedulerStore) MarkTasksScheduled(ctx context.Context, ids []string, teamID, date, window string) error {
	if f.failMarkScheduled != nil {
		return f.failMarkScheduled
	}
	for _, id := range ids {
		t := f.tasks[id]
		t.Status = models.TaskScheduled
		t.AssignedTeam = &teamID
		d := date
		w := window
		t.PlannedDate = &d
		t.TimeWindow = &w
	}
	return nil
}

func (f *fakeSchedulerStore) UnscheduleTasks(ctx context.Context, ids []string, status string) error {
	for _, id := range ids {
		t := f.tasks[id]
		t.Status = status
		t.AssignedTeam = nil
		t.PlannedDate = nil
		t.TimeWindow = nil
	}
	return nil
}

func (f *fakeSchedulerStore) InsertAuditEvent(ctx context.Context, e models.AuditEvent) error {
	f.audits = append(f.audits, e)
	return nil
}

func schedulerFixture(maxTasks, taskCount int) (*fakeSchedulerStore, CreateRunSheetInput) {
	store := newFakeSchedulerStore()
	store.teams["team-1"] = models.Team{
		ID: "team-1", Name: "Alpha", PrimaryZone: "zone-1",
		MaxTasksPerWindow: maxTasks, IsActive: true,
	}
	var ids []string
	for i := 0; i < taskCount; i++ {
		id := string(rune('a' + i))
		store.tasks[id] = &models.Task{ID: id, ClusterID: "cl-" + id, Status: models.TaskApproved, CreatedAt: time.Now().UTC()}
		ids = append(ids, id)
	}
	return store, CreateRunSheetInput{
		TeamID:     "team-1",
		Date:       "2026-09-01",
		TimeWindow: models.WindowAM,
		TaskIDs:    ids,
	}
}

func TestCreateRunSheetSuccess(t *testing.T) {
	store, in := schedulerFixture(5, 4)
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	sheet, err := svc.CreateRunSheet(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, models.RunSheetDraft, sheet.Status)
	require.Equal(t, 80, sheet.CapacityUsedPercent)
	require.Len(t, store.sheetTasks[sheet.ID], 4)
	for i, item := range store.sheetTasks[sheet.ID] {
		require.Equal(t, i+1, item.Sequence)
	}
	for _, id := range in.TaskIDs {
		require.Equal(t, models.TaskScheduled, store.tasks[id].Status)
		require.Equal(t, "team-1", *store.tasks[id].AssignedTeam)
	}
	require.Len(t, store.audits, 1)
}

func TestCreateRunSheetCapacityExceededNoSideEffects(t *testing.T) {
	store, in := schedulerFixture(5, 6)
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, 6, capErr.Requested)
	require.Equal(t, 5, capErr.Limit)

	require.Empty(t, store.sheets)
	require.Empty(t, store.sheetTasks)
	for _, id := range in.TaskIDs {
		require.Equal(t, models.TaskApproved, store.tasks[id].Status)
	}
}

func TestCreateRunSheetSlotConflict(t *testing.T) {
	store, in := schedulerFixture(5, 2)
	store.sheets["existing"] = &models.RunSheet{
		ID: "existing", TeamID: "team-1", Date: in.Date, TimeWindow: in.TimeWindow,
		Status: models.RunSheetDraft,
	}
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "existing", conflict.ConflictID)
}

func TestCreateRunSheetUniqueViolationNamesWinner(t *testing.T) {
	store, in := schedulerFixture(5, 2)
	store.failInsertSheet = &pgconn.PgError{Code: "23505"}
	store.raceSheet = &models.RunSheet{
		ID: "winner", TeamID: "team-1", Date: in.Date, TimeWindow: in.TimeWindow,
		Status: models.RunSheetDraft,
	}
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "winner", conflict.ConflictID)
}

func TestCreateRunSheetUniqueViolationSurvivesFailedLookup(t *testing.T) {
	store, in := schedulerFixture(5, 2)
	store.failInsertSheet = &pgconn.PgError{Code: "23505"}
	store.failFindRunSheet = errors.New("connection reset")
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Empty(t, conflict.ConflictID)
}

func TestCreateRunSheetRollsBackWhenTaskInsertFails(t *testing.T) {
	store, in := schedulerFixture(5, 3)
	store.failInsertSheetTasks = errors.New("copy failed")
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	require.Error(t, err)
	require.Empty(t, store.sheets)
	require.Empty(t, store.sheetTasks)
	for _, id := range in.TaskIDs {
		require.Equal(t, models.TaskApproved, store.tasks[id].Status)
	}
}

func TestCreateRunSheetRollsBackWhenSchedulingFails(t *testing.T) {
	store, in := schedulerFixture(5, 3)
	store.failMarkScheduled = errors.New("update failed")
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	require.Error(t, err)
	require.Empty(t, store.sheets)
	require.Empty(t, store.sheetTasks)
	for _, id := range in.TaskIDs {
		require.Equal(t, models.TaskApproved, store.tasks[id].Status)
		require.Nil(t, store.tasks[id].AssignedTeam)
	}
}

func TestCreateRunSheetRejectsUnschedulableTask(t *testing.T) {
	store, in := schedulerFixture(5, 2)
	store.tasks["a"].Status = models.TaskPlanned
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Empty(t, store.sheets)
}

func TestCreateRunSheetRejectsMissingTask(t *testing.T) {
	store, in := schedulerFixture(5, 2)
	in.TaskIDs = append(in.TaskIDs, "ghost")
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	var nferr *NotFoundError
	require.ErrorAs(t, err, &nferr)
}

func TestCreateRunSheetRejectsInactiveTeam(t *testing.T) {
	store, in := schedulerFixture(5, 2)
	team := store.teams["team-1"]
	team.IsActive = false
	store.teams["team-1"] = team
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	_, err := svc.CreateRunSheet(context.Background(), in)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCreateRunSheetValidatesInput(t *testing.T) {
	store, in := schedulerFixture(5, 2)
	svc := &SchedulerService{Store: store, Logger: zerolog.Nop()}

	bad := in
	bad.Date = "01/09/2026"
	_, err := svc.CreateRunSheet(context.Background(), bad)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	bad = in
	bad.TimeWindow = "NOON"
	_, err = svc.CreateRunSheet(context.Background(), bad)
	require.ErrorAs(t, err, &verr)

	bad = in
	bad.TaskIDs = nil
	_, err = svc.CreateRunSheet(context.Background(), bad)
	require.ErrorAs(t, err, &verr)

	bad = in
	bad.TaskIDs = []string{"a", "a"}
	_, err = svc.CreateRunSheet(context.Background(), bad)
	require.ErrorAs(t, err, &verr)
}
