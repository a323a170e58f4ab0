package router

import (
	"github.com/cuongbtq/plotter-api/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options tunes the HTTP surface
type Options struct {
	CORSOrigins    []string
	ChunkRateLimit float64
	ChunkBurst     int
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(opts.CORSOrigins))

	jobHandler := handler.NewJobHandler(deps)
	plotterHandler := handler.NewPlotterHandler(deps)
	projectHandler := handler.NewProjectHandler(deps, jobHandler)
	settingsHandler := handler.NewSettingsHandler(deps)
	systemHandler := handler.NewSystemHandler(deps)

	// GET /health - Liveness with optional backend checks
	r.GET("/health", systemHandler.Health)

	// GET /metrics - Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chunkLimit := RateLimitMiddleware(opts.ChunkRateLimit, opts.ChunkBurst)

	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/status - Controller state, active job and queue stats
		v1.GET("/status", plotterHandler.Status)

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a job (JSON or multipart)
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - Queue listing with recent jobs
			jobs.GET("", jobHandler.ListJobs)

			// POST /api/v1/jobs/chunk - Upload one chunk of a large file
			jobs.POST("/chunk", chunkLimit, jobHandler.UploadChunk)

			// GET /api/v1/jobs/chunk/:file_id - Upload progress
			jobs.GET("/chunk/:file_id", jobHandler.ChunkStatus)

			// GET /api/v1/jobs/:job_id - Get job details, archived jobs included
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a queued job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// PUT /api/v1/jobs/:job_id/position - Move a queued job
			jobs.PUT("/:job_id/position", jobHandler.ReorderJob)
		}

		// POST /api/v1/queue/clear - Cancel every queued job
		v1.POST("/queue/clear", jobHandler.ClearQueue)

		plotter := v1.Group("/plotter")
		{
			// POST /api/v1/plotter/initialize - Connect the device
			plotter.POST("/initialize", plotterHandler.Initialize)

			// POST /api/v1/plotter/pause - Pause the active job
			plotter.POST("/pause", plotterHandler.Pause)

			// POST /api/v1/plotter/resume - Resume a paused job
			plotter.POST("/resume", plotterHandler.Resume)

			// POST /api/v1/plotter/stop - Abort the active job
			plotter.POST("/stop", plotterHandler.Stop)

			// POST /api/v1/plotter/utility - Run a maintenance command
			plotter.POST("/utility", plotterHandler.Utility)
		}

		// GET /api/v1/config - Current plotter settings
		v1.GET("/config", settingsHandler.GetSettings)

		// PUT /api/v1/config - Update plotter settings
		v1.PUT("/config", settingsHandler.UpdateSettings)

		// POST /api/v1/config/reset - Restore default settings
		v1.POST("/config/reset", settingsHandler.ResetSettings)

		proj := v1.Group("/project")
		{
			// POST /api/v1/project - Create a project, replacing the active one
			proj.POST("", projectHandler.CreateProject)

			// GET /api/v1/project - Get the active project
			proj.GET("", projectHandler.GetProject)

			// DELETE /api/v1/project - Delete the active project and its files
			proj.DELETE("", projectHandler.DeleteProject)

			// POST /api/v1/project/layers/:layer_id - Upload a layer file
			proj.POST("/layers/:layer_id", projectHandler.UploadLayer)

			// POST /api/v1/project/layers/:layer_id/chunk - Upload one chunk of a layer file
			proj.POST("/layers/:layer_id/chunk", chunkLimit, projectHandler.UploadLayerChunk)
		}

		// POST /api/v1/plot/layers/:layer_id - Submit a job for an uploaded layer
		v1.POST("/plot/layers/:layer_id", projectHandler.PlotLayer)

		// GET /api/v1/history - Archived jobs, newest first
		v1.GET("/history", systemHandler.History)

		// GET /api/v1/logs - Tail of the service log
		v1.GET("/logs", systemHandler.Logs)
	}

	return r
}
