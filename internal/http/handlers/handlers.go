package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/intake"
	"github.com/aegis-ops/backend/internal/service"
)

type Handler struct {
	Store        *db.Store
	Intake       *intake.Service
	Clustering   *service.ClusteringService
	Scoring      *service.ScoringService
	Materializer *service.MaterializerService
	Scheduler    *service.SchedulerService
	Dispatcher   *service.DispatchService
	Queries      *service.QueryService
	Validator    *validator.Validate
	Logger       zerolog.Logger
	AdminKey     string
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary Submit a complaint
// @Description Accept a resident complaint, classifying free text when no category is supplied
// @Tags complaints
// @Accept json
// @Produce json
// @Success 201 {object} models.Complaint
// @Failure 400 {object} map[string]any
// @Router /api/complaints [post]
func (h *Handler) SubmitComplaint(c *gin.Context) {
	var sub intake.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", err.Error())
		return
	}

	complaint, err := h.Intake.Submit(c.Request.Context(), sub)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, complaint)
}

// @Summary Run the clustering engine
// @Description Group unclustered complaints by (canonical location, category)
// @Tags clusters
// @Produce json
// @Success 200 {object} service.ClusterRunSummary
// @Router /api/clusters/run [post]
func (h *Handler) RunClustering(c *gin.Context) {
	summary, err := h.Clustering.Run(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// @Summary List clusters
// @Tags clusters
// @Produce json
// @Param state query string false "filter by state"
// @Param limit query int false "max rows"
// @Success 200 {object} map[string]any
// @Router /api/clusters [get]
func (h *Handler) ClustersList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	clusters, err := h.Queries.Clusters(c.Request.Context(), c.Query("state"), limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters, "count": len(clusters)})
}

// @Summary Get one cluster
// @Tags clusters
// @Produce json
// @Param id path string true "cluster id"
// @Success 200 {object} models.Cluster
// @Failure 404 {object} map[string]any
// @Router /api/clusters/{id} [get]
func (h *Handler) ClusterDetails(c *gin.Context) {
	cluster, err := h.Queries.Cluster(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

// @Summary Ranked scoring recommendations
// @Description Score all TRIAGED clusters; mutates nothing
// @Tags scoring
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/recommendations [get]
func (h *Handler) Recommendations(c *gin.Context) {
	recs, err := h.Scoring.Recommendations(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs, "count": len(recs)})
}

type approveRequest struct {
	PriorityScore *int    `json:"priority_score"`
	Playbook      *string `json:"playbook"`
	Notes         string  `json:"notes"`
}

// @Summary Approve a cluster's priority
// @Description TRIAGED -> REVIEWED; re-approving a REVIEWED cluster is a no-op
// @Tags scoring
// @Accept json
// @Produce json
// @Param id path string true "cluster id"
// @Success 200 {object} service.ApproveResult
// @Failure 404 {object} map[string]any
// @Router /api/clusters/{id}/approve [post]
func (h *Handler) ApproveCluster(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", err.Error())
		return
	}
	if req.PriorityScore != nil && (*req.PriorityScore < 0 || *req.PriorityScore > 100) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "priority_score must be between 0 and 100", nil)
		return
	}

	result, err := h.Scoring.Approve(c.Request.Context(), c.Param("id"), service.ApproveInput{
		PriorityScore: req.PriorityScore,
		Playbook:      req.Playbook,
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary Materialize tasks
// @Description Create one task per REVIEWED cluster
// @Tags tasks
// @Produce json
// @Success 200 {object} service.MaterializeSummary
// @Router /api/tasks/materialize [post]
func (h *Handler) MaterializeTasks(c *gin.Context) {
	summary, err := h.Materializer.Run(c.Request.Context())
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// @Summary List schedulable tasks
// @Tags tasks
// @Produce json
// @Param zone query string false "filter by zone"
// @Success 200 {object} map[string]any
// @Router /api/tasks/pending [get]
func (h *Handler) PendingTasks(c *gin.Context) {
	tasks, err := h.Queries.PendingTasks(c.Request.Context(), c.Query("zone"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// @Summary Team availability for a slot
// @Tags teams
// @Produce json
// @Param date query string true "YYYY-MM-DD"
// @Param time_window query string true "AM or PM"
// @Success 200 {object} map[string]any
// @Router /api/teams/availability [get]
func (h *Handler) TeamAvailability(c *gin.Context) {
	availability, err := h.Queries.TeamAvailability(c.Request.Context(), c.Query("date"), c.Query("time_window"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"availability": availability})
}

// @Summary Create a run sheet
// @Description Book a team's (date, window) slot with a capacity-checked batch of tasks
// @Tags run-sheets
// @Accept json
// @Produce json
// @Success 201 {object} models.RunSheet
// @Failure 409 {object} map[string]any
// @Failure 422 {object} map[string]any
// @Router /api/run-sheets [post]
func (h *Handler) CreateRunSheet(c *gin.Context) {
	var in service.CreateRunSheetInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", err.Error())
		return
	}
	if err := h.Validator.Struct(in); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	sheet, err := h.Scheduler.CreateRunSheet(c.Request.Context(), in)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sheet)
}

type dispatchRequest struct {
	Notes *string `json:"notes"`
}

// @Summary Dispatch a run sheet
// @Description Idempotent; repeats return the original dispatch time
// @Tags run-sheets
// @Accept json
// @Produce json
// @Param id path string true "run sheet id"
// @Success 200 {object} service.DispatchResult
// @Failure 404 {object} map[string]any
// @Router /api/run-sheets/{id}/dispatch [post]
func (h *Handler) DispatchRunSheet(c *gin.Context) {
	var req dispatchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body", err.Error())
			return
		}
	}

	result, err := h.Dispatcher.Dispatch(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary List run sheets
// @Tags run-sheets
// @Produce json
// @Param date query string false "YYYY-MM-DD"
// @Param team_id query string false "filter by team"
// @Param status query string false "filter by status"
// @Success 200 {object} service.RunSheetList
// @Router /api/run-sheets [get]
func (h *Handler) RunSheetsList(c *gin.Context) {
	list, err := h.Queries.RunSheets(c.Request.Context(), c.Query("date"), c.Query("team_id"), c.Query("status"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// @Summary Get one run sheet with its tasks
// @Tags run-sheets
// @Produce json
// @Param id path string true "run sheet id"
// @Success 200 {object} service.RunSheetDetail
// @Failure 404 {object} map[string]any
// @Router /api/run-sheets/{id} [get]
func (h *Handler) RunSheetDetails(c *gin.Context) {
	detail, err := h.Queries.RunSheet(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// @Summary List audit events
// @Tags audit
// @Produce json
// @Param entity_type query string false "filter by entity type"
// @Param limit query int false "max rows"
// @Success 200 {object} map[string]any
// @Router /api/audit [get]
func (h *Handler) AuditEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.Queries.AuditEvents(c.Request.Context(), c.Query("entity_type"), limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (h *Handler) writeServiceError(c *gin.Context, err error) {
	var (
		validationErr *service.ValidationError
		notFoundErr   *service.NotFoundError
		conflictErr   *service.ConflictError
		capacityErr   *service.CapacityError
		storageErr    *service.TransientStorageError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", validationErr.Error(), nil)
	case errors.As(err, &notFoundErr):
		writeError(c, http.StatusNotFound, "NOT_FOUND", notFoundErr.Error(), nil)
	case errors.As(err, &conflictErr):
		writeError(c, http.StatusConflict, "CONFLICT", conflictErr.Error(), gin.H{"conflict_id": conflictErr.ConflictID})
	case errors.As(err, &capacityErr):
		writeError(c, http.StatusUnprocessableEntity, "CAPACITY_EXCEEDED", capacityErr.Error(),
			gin.H{"requested": capacityErr.Requested, "limit": capacityErr.Limit})
	case errors.As(err, &storageErr):
		h.Logger.Error().Err(err).Msg("storage failure")
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Storage failure", storageErr.Error())
	default:
		h.Logger.Error().Err(err).Msg("unhandled error")
		writeError(c, http.StatusInternalServerError, "INTERNAL", "Internal error", err.Error())
	}
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
