package models

import "time"

// Cluster states. CLOSED and RESOLVED are terminal.
const (
	ClusterNew         = "NEW"
	ClusterTriaged     = "TRIAGED"
	ClusterReviewed    = "REVIEWED"
	ClusterTaskCreated = "TASK_CREATED"
	ClusterClosed      = "CLOSED"
	ClusterResolved    = "RESOLVED"
)

// Task statuses.
const (
	TaskPlanned    = "PLANNED"
	TaskApproved   = "APPROVED"
	TaskScheduled  = "SCHEDULED"
	TaskDispatched = "DISPATCHED"
	TaskVerified   = "VERIFIED"
)

// Run sheet statuses. Lowercase on the wire to match the dispatch UI.
const (
	RunSheetDraft      = "draft"
	RunSheetDispatched = "dispatched"
	RunSheetInProgress = "in_progress"
	RunSheetCompleted  = "completed"
)

// Complaint statuses.
const (
	ComplaintNew    = "NEW"
	ComplaintLinked = "LINKED"
)

// Time windows a run sheet can cover.
const (
	WindowAM = "AM"
	WindowPM = "PM"
)

type Complaint struct {
	ID                  string    `json:"id"`
	Text                string    `json:"text"`
	LocationLabel       string    `json:"location_label"`
	Category            string    `json:"category"`
	Severity            *int      `json:"severity"`
	Urgency             string    `json:"urgency"`
	Confidence          *float64  `json:"confidence"`
	Hazard              bool      `json:"hazard"`
	Escalation          bool      `json:"escalation"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	Status              string    `json:"status"`
	ClusterID           *string   `json:"cluster_id"`
	CreatedAt           time.Time `json:"created_at"`
}

type Cluster struct {
	ID                  string     `json:"id"`
	Category            string     `json:"category"`
	LocationLabel       string     `json:"location_label"`
	ZoneID              string     `json:"zone_id"`
	Description         string     `json:"description"`
	State               string     `json:"state"`
	SeverityScore       *int       `json:"severity_score"`
	ComplaintCount      int        `json:"complaint_count"`
	RecurrenceCount     int        `json:"recurrence_count"`
	RequiresHumanReview bool       `json:"requires_human_review"`
	PriorityScore       *int       `json:"priority_score"`
	AssignedPlaybook    *string    `json:"assigned_playbook"`
	ReviewNotes         *string    `json:"review_notes"`
	CreatedAt           time.Time  `json:"created_at"`
	LastSeenAt          time.Time  `json:"last_seen_at"`
	LastActionAt        *time.Time `json:"last_action_at"`
}

// Active reports whether the cluster still participates in the
// one-active-cluster-per-(category, canonical key) invariant.
func (c Cluster) Active() bool {
	return c.State != ClusterClosed && c.State != ClusterResolved
}

type Task struct {
	ID               string    `json:"id"`
	ClusterID        string    `json:"cluster_id"`
	TaskType         string    `json:"task_type"`
	Status           string    `json:"status"`
	RequiresApproval bool      `json:"requires_approval"`
	AssignedTeam     *string   `json:"assigned_team"`
	PlannedDate      *string   `json:"planned_date"`
	TimeWindow       *string   `json:"time_window"`
	CreatedAt        time.Time `json:"created_at"`
}

type Team struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	PrimaryZone       string `json:"primary_zone"`
	MembersCount      int    `json:"members_count"`
	MaxTasksPerWindow int    `json:"max_tasks_per_window"`
	IsActive          bool   `json:"is_active"`
}

type RunSheet struct {
	ID                  string     `json:"id"`
	TeamID              string     `json:"team_id"`
	Date                string     `json:"date"`
	TimeWindow          string     `json:"time_window"`
	Status              string     `json:"status"`
	CapacityUsedPercent int        `json:"capacity_used_percent"`
	ZonesCovered        []string   `json:"zones_covered"`
	Notes               *string    `json:"notes"`
	DispatchedAt        *time.Time `json:"dispatched_at"`
	CreatedAt           time.Time  `json:"created_at"`
}

type RunSheetTask struct {
	ID                string `json:"id"`
	RunSheetID        string `json:"run_sheet_id"`
	TaskID            string `json:"task_id"`
	Sequence          int    `json:"sequence"`
	EstimatedDuration int    `json:"estimated_duration"`
}

type AuditEvent struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	AgentName  string         `json:"agent_name,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// TeamAvailability is the per-team capacity view for one (date, window).
type TeamAvailability struct {
	TeamID            string  `json:"team_id"`
	TeamName          string  `json:"team_name"`
	MembersCount      int     `json:"members_count"`
	MaxTasks          int     `json:"max_tasks"`
	AssignedTasks     int     `json:"assigned_tasks"`
	AvailableCapacity int     `json:"available_capacity"`
	PrimaryZone       string  `json:"primary_zone"`
	HasRunSheet       bool    `json:"has_run_sheet"`
	RunSheetID        *string `json:"run_sheet_id"`
	RunSheetStatus    *string `json:"run_sheet_status"`
}
