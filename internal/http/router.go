package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/aegis-ops/backend/internal/cache"
	"github.com/aegis-ops/backend/internal/config"
	"github.com/aegis-ops/backend/internal/db"
	"github.com/aegis-ops/backend/internal/http/handlers"
	"github.com/aegis-ops/backend/internal/http/middleware"
	"github.com/aegis-ops/backend/internal/intake"
	"github.com/aegis-ops/backend/internal/service"

	_ "github.com/aegis-ops/backend/docs"
)

func Router(cfg config.Config, store *db.Store, classifier intake.Classifier, ch *cache.Cache, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:        store,
		Intake:       &intake.Service{Store: store, Classifier: classifier, Logger: logger},
		Clustering:   &service.ClusteringService{Store: store, Logger: logger, BatchLimit: cfg.BatchLimit},
		Scoring:      &service.ScoringService{Store: store, Logger: logger},
		Materializer: &service.MaterializerService{Store: store, Logger: logger},
		Scheduler:    &service.SchedulerService{Store: store, Cache: ch, Logger: logger},
		Dispatcher:   &service.DispatchService{Store: store, Cache: ch, Logger: logger},
		Queries:      &service.QueryService{Store: store, Cache: ch, Logger: logger},
		Validator:    validator.New(),
		Logger:       logger,
		AdminKey:     cfg.AdminKey,
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.POST("/complaints", h.SubmitComplaint)
		api.GET("/clusters", h.ClustersList)
		api.GET("/clusters/:id", h.ClusterDetails)
		api.GET("/recommendations", h.Recommendations)
		api.GET("/tasks/pending", h.PendingTasks)
		api.GET("/teams/availability", h.TeamAvailability)
		api.GET("/run-sheets", h.RunSheetsList)
		api.GET("/run-sheets/:id", h.RunSheetDetails)
		api.GET("/audit", h.AuditEvents)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/clusters/run", h.RunClustering)
		admin.POST("/clusters/:id/approve", h.ApproveCluster)
		admin.POST("/tasks/materialize", h.MaterializeTasks)
		admin.POST("/run-sheets", h.CreateRunSheet)
		admin.POST("/run-sheets/:id/dispatch", h.DispatchRunSheet)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
