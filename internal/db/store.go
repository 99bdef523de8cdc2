package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-ops/backend/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ErrNoRows is re-exported so callers outside this package do not need
// to import pgx to distinguish not-found from other failures.
var ErrNoRows = pgx.ErrNoRows

// ---- complaints ----

const complaintColumns = `id, text, location_label, category_pred, severity_pred, urgency_pred,
	confidence, hazard, escalation, requires_human_review, status, cluster_id, created_at`

func scanComplaint(row pgx.Row) (models.Complaint, error) {
	var c models.Complaint
	err := row.Scan(&c.ID, &c.Text, &c.LocationLabel, &c.Category, &c.Severity, &c.Urgency,
		&c.Confidence, &c.Hazard, &c.Escalation, &c.RequiresHumanReview, &c.Status, &c.ClusterID, &c.CreatedAt)
	return c, err
}

func (s *Store) InsertComplaint(ctx context.Context, c models.Complaint) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO complaints (id, text, location_label, category_pred, severity_pred, urgency_pred,
			confidence, hazard, escalation, requires_human_review, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.Text, c.LocationLabel, c.Category, c.Severity, c.Urgency,
		c.Confidence, c.Hazard, c.Escalation, c.RequiresHumanReview, c.Status, c.CreatedAt)
	return err
}

func (s *Store) ListUnclusteredComplaints(ctx context.Context, limit int) ([]models.Complaint, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+complaintColumns+`
		FROM complaints
		WHERE cluster_id IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectComplaints(rows)
}

func (s *Store) ComplaintsByCategory(ctx context.Context, category string) ([]models.Complaint, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+complaintColumns+`
		FROM complaints
		WHERE category_pred = $1
		ORDER BY created_at ASC
	`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectComplaints(rows)
}

func collectComplaints(rows pgx.Rows) ([]models.Complaint, error) {
	var out []models.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) LinkComplaints(ctx context.Context, ids []string, clusterID string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE complaints SET cluster_id = $1, status = $2 WHERE id = ANY($3)
	`, clusterID, models.ComplaintLinked, ids)
	return err
}

// RelinkComplaints re-points complaints owned by losing clusters to the
// surviving primary during merge reconciliation.
func (s *Store) RelinkComplaints(ctx context.Context, fromClusterIDs []string, toClusterID string) (int64, error) {
	if len(fromClusterIDs) == 0 {
		return 0, nil
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE complaints SET cluster_id = $1 WHERE cluster_id = ANY($2)
	`, toClusterID, fromClusterIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---- clusters ----

const clusterColumns = `id, category, location_label, zone_id, description, state, severity_score,
	complaint_count, recurrence_count, requires_human_review, priority_score, assigned_playbook,
	review_notes, created_at, last_seen_at, last_action_at`

func scanCluster(row pgx.Row) (models.Cluster, error) {
	var c models.Cluster
	err := row.Scan(&c.ID, &c.Category, &c.LocationLabel, &c.ZoneID, &c.Description, &c.State,
		&c.SeverityScore, &c.ComplaintCount, &c.RecurrenceCount, &c.RequiresHumanReview,
		&c.PriorityScore, &c.AssignedPlaybook, &c.ReviewNotes, &c.CreatedAt, &c.LastSeenAt, &c.LastActionAt)
	return c, err
}

func (s *Store) InsertCluster(ctx context.Context, c models.Cluster) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO clusters (id, category, location_label, zone_id, description, state, severity_score,
			complaint_count, recurrence_count, requires_human_review, created_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.Category, c.LocationLabel, c.ZoneID, c.Description, c.State, c.SeverityScore,
		c.ComplaintCount, c.RecurrenceCount, c.RequiresHumanReview, c.CreatedAt, c.LastSeenAt)
	return err
}

func (s *Store) GetCluster(ctx context.Context, id string) (models.Cluster, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id)
	return scanCluster(row)
}

// ActiveClustersByCategory returns non-terminal clusters for a category,
// earliest created first.
func (s *Store) ActiveClustersByCategory(ctx context.Context, category string) ([]models.Cluster, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+clusterColumns+`
		FROM clusters
		WHERE category = $1 AND state NOT IN ($2, $3)
		ORDER BY created_at ASC
	`, category, models.ClusterClosed, models.ClusterResolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClusters(rows)
}

func (s *Store) ClustersByState(ctx context.Context, state string) ([]models.Cluster, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+clusterColumns+`
		FROM clusters
		WHERE state = $1
		ORDER BY created_at ASC
	`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClusters(rows)
}

func (s *Store) ListClusters(ctx context.Context, state string, limit int) ([]models.Cluster, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + clusterColumns + ` FROM clusters`
	var args []any
	if state != "" {
		args = append(args, state)
		query += fmt.Sprintf(" WHERE state = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY priority_score DESC NULLS LAST, severity_score DESC NULLS LAST, created_at ASC LIMIT $%d`, len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectClusters(rows)
}

func collectClusters(rows pgx.Rows) ([]models.Cluster, error) {
	var out []models.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClusterAggregates carries the recomputed aggregate fields for a cluster.
type ClusterAggregates struct {
	ClusterID           string
	LocationLabel       string
	ZoneID              string
	Description         string
	SeverityScore       *int
	ComplaintCount      int
	RecurrenceCount     int
	RequiresHumanReview bool
	LastSeenAt          time.Time
}

func (s *Store) UpdateClusterAggregates(ctx context.Context, agg ClusterAggregates) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE clusters
		SET location_label = $1, zone_id = $2, description = $3, severity_score = $4,
			complaint_count = $5, recurrence_count = $6, requires_human_review = $7, last_seen_at = $8
		WHERE id = $9
	`, agg.LocationLabel, agg.ZoneID, agg.Description, agg.SeverityScore,
		agg.ComplaintCount, agg.RecurrenceCount, agg.RequiresHumanReview, agg.LastSeenAt, agg.ClusterID)
	return err
}

// CloseClusters marks losing clusters CLOSED with a merge note.
func (s *Store) CloseClusters(ctx context.Context, ids []string, note string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE clusters SET state = $1, review_notes = $2, last_action_at = $3 WHERE id = ANY($4)
	`, models.ClusterClosed, note, at, ids)
	return err
}

// UpdateClusterReview records the approved score, playbook and notes and
// advances the cluster to REVIEWED.
func (s *Store) UpdateClusterReview(ctx context.Context, id string, score int, playbook *string, notes string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE clusters
		SET state = $1, priority_score = $2, assigned_playbook = $3, review_notes = $4, last_action_at = $5
		WHERE id = $6
	`, models.ClusterReviewed, score, playbook, notes, at, id)
	return err
}

func (s *Store) setClusterState(ctx context.Context, tx pgx.Tx, id string, state string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE clusters SET state = $1, last_action_at = $2 WHERE id = $3
	`, state, at, id)
	return err
}

// ---- tasks ----

const taskColumns = `id, cluster_id, task_type, status, requires_approval, assigned_team,
	to_char(planned_date, 'YYYY-MM-DD'), time_window, created_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.ClusterID, &t.TaskType, &t.Status, &t.RequiresApproval,
		&t.AssignedTeam, &t.PlannedDate, &t.TimeWindow, &t.CreatedAt)
	return t, err
}

// CreateTaskForCluster inserts the task and advances its cluster to
// TASK_CREATED in one transaction, so a task never exists for a cluster
// still marked REVIEWED and vice versa.
func (s *Store) CreateTaskForCluster(ctx context.Context, t models.Task) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tasks (id, cluster_id, task_type, status, requires_approval, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, t.ID, t.ClusterID, t.TaskType, t.Status, t.RequiresApproval, t.CreatedAt)
		if err != nil {
			return err
		}
		return s.setClusterState(ctx, tx, t.ClusterID, models.ClusterTaskCreated, t.CreatedAt)
	})
}

func (s *Store) TaskExistsForCluster(ctx context.Context, clusterID string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE cluster_id = $1)`, clusterID).Scan(&exists)
	return exists, err
}

func (s *Store) TasksByIDs(ctx context.Context, ids []string) ([]models.Task, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) MarkTasksScheduled(ctx context.Context, ids []string, teamID, date, window string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, assigned_team = $2, planned_date = $3::date, time_window = $4
		WHERE id = ANY($5)
	`, models.TaskScheduled, teamID, date, window, ids)
	return err
}

// UnscheduleTasks is the saga compensation for MarkTasksScheduled.
func (s *Store) UnscheduleTasks(ctx context.Context, ids []string, status string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, assigned_team = NULL, planned_date = NULL, time_window = NULL
		WHERE id = ANY($2)
	`, status, ids)
	return err
}

// PendingTask is a schedulable task joined with its cluster's ranking fields.
type PendingTask struct {
	TaskID        string    `json:"task_id"`
	ClusterID     string    `json:"cluster_id"`
	Category      string    `json:"category"`
	Location      string    `json:"location"`
	Zone          string    `json:"zone"`
	PriorityScore *int      `json:"priority_score"`
	SeverityScore *int      `json:"severity_score"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Store) ListPendingTasks(ctx context.Context, zone string) ([]PendingTask, error) {
	query := `
		SELECT t.id, t.cluster_id, c.category, c.location_label, c.zone_id,
			c.priority_score, c.severity_score, t.status, t.created_at
		FROM tasks t
		JOIN clusters c ON c.id = t.cluster_id
		WHERE t.status IN ($1, $2) AND t.assigned_team IS NULL`
	args := []any{models.TaskPlanned, models.TaskApproved}
	if zone != "" {
		args = append(args, zone)
		query += fmt.Sprintf(" AND c.zone_id = $%d", len(args))
	}
	query += " ORDER BY t.created_at ASC"

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingTask
	for rows.Next() {
		var p PendingTask
		if err := rows.Scan(&p.TaskID, &p.ClusterID, &p.Category, &p.Location, &p.Zone,
			&p.PriorityScore, &p.SeverityScore, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClusterZonesForTasks returns the distinct zones of the clusters behind
// the given tasks, for a run sheet's zones_covered field.
func (s *Store) ClusterZonesForTasks(ctx context.Context, taskIDs []string) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT c.zone_id
		FROM tasks t
		JOIN clusters c ON c.id = t.cluster_id
		WHERE t.id = ANY($1) AND c.zone_id <> ''
		ORDER BY c.zone_id
	`, taskIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var z string
		if err := rows.Scan(&z); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

// ---- teams ----

const teamColumns = `id, name, primary_zone, members_count, max_tasks_per_window, is_active`

func (s *Store) GetTeam(ctx context.Context, id string) (models.Team, error) {
	var t models.Team
	err := s.Pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.PrimaryZone, &t.MembersCount, &t.MaxTasksPerWindow, &t.IsActive)
	return t, err
}

func (s *Store) ListActiveTeams(ctx context.Context) ([]models.Team, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+teamColumns+` FROM teams WHERE is_active ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Team
	for rows.Next() {
		var t models.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.PrimaryZone, &t.MembersCount, &t.MaxTasksPerWindow, &t.IsActive); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- run sheets ----

const runSheetColumns = `id, team_id, to_char(date, 'YYYY-MM-DD'), time_window, status,
	capacity_used_percent, zones_covered, notes, dispatched_at, created_at`

func scanRunSheet(row pgx.Row) (models.RunSheet, error) {
	var rs models.RunSheet
	err := row.Scan(&rs.ID, &rs.TeamID, &rs.Date, &rs.TimeWindow, &rs.Status,
		&rs.CapacityUsedPercent, &rs.ZonesCovered, &rs.Notes, &rs.DispatchedAt, &rs.CreatedAt)
	return rs, err
}

func (s *Store) InsertRunSheet(ctx context.Context, rs models.RunSheet) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO run_sheets (id, team_id, date, time_window, status, capacity_used_percent,
			zones_covered, notes, created_at)
		VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9)
	`, rs.ID, rs.TeamID, rs.Date, rs.TimeWindow, rs.Status, rs.CapacityUsedPercent,
		rs.ZonesCovered, rs.Notes, rs.CreatedAt)
	return err
}

func (s *Store) DeleteRunSheet(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM run_sheets WHERE id = $1`, id)
	return err
}

func (s *Store) GetRunSheet(ctx context.Context, id string) (models.RunSheet, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+runSheetColumns+` FROM run_sheets WHERE id = $1`, id)
	return scanRunSheet(row)
}

// FindRunSheetID returns the run sheet occupying (team, date, window), if any.
func (s *Store) FindRunSheetID(ctx context.Context, teamID, date, window string) (string, bool, error) {
	var id string
	err := s.Pool.QueryRow(ctx, `
		SELECT id FROM run_sheets WHERE team_id = $1 AND date = $2::date AND time_window = $3
	`, teamID, date, window).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) InsertRunSheetTasks(ctx context.Context, tasks []models.RunSheetTask) (int64, error) {
	rows := make([][]any, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []any{t.ID, t.RunSheetID, t.TaskID, t.Sequence, t.EstimatedDuration})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"run_sheet_tasks"},
		[]string{"id", "run_sheet_id", "task_id", "sequence", "estimated_duration"},
		pgx.CopyFromRows(rows))
}

func (s *Store) DeleteRunSheetTasks(ctx context.Context, runSheetID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM run_sheet_tasks WHERE run_sheet_id = $1`, runSheetID)
	return err
}

func (s *Store) CountRunSheetTasks(ctx context.Context, runSheetID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM run_sheet_tasks WHERE run_sheet_id = $1`, runSheetID).Scan(&n)
	return n, err
}

func (s *Store) ListRunSheetTasks(ctx context.Context, runSheetID string) ([]models.RunSheetTask, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, run_sheet_id, task_id, sequence, estimated_duration
		FROM run_sheet_tasks
		WHERE run_sheet_id = $1
		ORDER BY sequence ASC
	`, runSheetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RunSheetTask
	for rows.Next() {
		var t models.RunSheetTask
		if err := rows.Scan(&t.ID, &t.RunSheetID, &t.TaskID, &t.Sequence, &t.EstimatedDuration); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTasksDispatchedForSheet advances every task attached to the sheet
// to DISPATCHED.
func (s *Store) MarkTasksDispatchedForSheet(ctx context.Context, runSheetID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET status = $1
		WHERE id IN (SELECT task_id FROM run_sheet_tasks WHERE run_sheet_id = $2)
	`, models.TaskDispatched, runSheetID)
	return err
}

func (s *Store) MarkRunSheetDispatched(ctx context.Context, id string, at time.Time, notes *string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE run_sheets SET status = $1, dispatched_at = $2, notes = $3 WHERE id = $4
	`, models.RunSheetDispatched, at, notes, id)
	return err
}

func (s *Store) ListRunSheets(ctx context.Context, date, teamID, status string) ([]models.RunSheet, error) {
	query := `SELECT ` + runSheetColumns + ` FROM run_sheets`
	var args []any
	var wheres []string
	if date != "" {
		args = append(args, date)
		wheres = append(wheres, fmt.Sprintf("date = $%d::date", len(args)))
	}
	if teamID != "" {
		args = append(args, teamID)
		wheres = append(wheres, fmt.Sprintf("team_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		wheres = append(wheres, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY date ASC, time_window ASC, created_at ASC"

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RunSheet
	for rows.Next() {
		rs, err := scanRunSheet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *Store) RunSheetsForWindow(ctx context.Context, date, window string) ([]models.RunSheet, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+runSheetColumns+` FROM run_sheets WHERE date = $1::date AND time_window = $2
	`, date, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RunSheet
	for rows.Next() {
		rs, err := scanRunSheet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *Store) RunSheetTaskCounts(ctx context.Context, sheetIDs []string) (map[string]int, error) {
	counts := map[string]int{}
	if len(sheetIDs) == 0 {
		return counts, nil
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT run_sheet_id, COUNT(*) FROM run_sheet_tasks WHERE run_sheet_id = ANY($1) GROUP BY run_sheet_id
	`, sheetIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// ---- audit log ----

func (s *Store) InsertAuditEvent(ctx context.Context, e models.AuditEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, agent_name, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.EntityType, e.EntityID, e.Action, e.AgentName, details, e.CreatedAt)
	return err
}

func (s *Store) ListAuditEvents(ctx context.Context, entityType string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, entity_type, entity_id, action, agent_name, details, created_at FROM audit_log`
	var args []any
	if entityType != "" {
		args = append(args, entityType)
		query += fmt.Sprintf(" WHERE entity_type = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.AgentName, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
