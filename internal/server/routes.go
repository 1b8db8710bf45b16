package server

import (
	"github.com/OFFIS-RIT/ipdr/internal/server/routes"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiRoutes := e.Group("/api")

	// Dataset routes
	apiRoutes.POST("/datasets", routes.CreateDatasetHandler)
	apiRoutes.GET("/datasets/current", routes.GetCurrentDatasetHandler)
	apiRoutes.GET("/records", routes.GetRecordsHandler)

	// Analysis routes
	apiRoutes.GET("/graph", routes.GetGraphHandler)
	apiRoutes.GET("/graph/summary", routes.GetGraphSummaryHandler)
	apiRoutes.GET("/graph/ego/:entity", routes.GetEgoGraphHandler)
	apiRoutes.GET("/patterns", routes.GetPatternsHandler)
	apiRoutes.GET("/anomalies", routes.GetAnomaliesHandler)
	apiRoutes.GET("/entities/:id", routes.GetEntityHandler)

	// Job routes
	apiRoutes.POST("/jobs", routes.CreateJobHandler)
	apiRoutes.GET("/jobs", routes.GetJobsHandler)
	apiRoutes.GET("/jobs/:id", routes.GetJobHandler)
	apiRoutes.GET("/jobs/:id/download", routes.DownloadJobHandler)
	apiRoutes.DELETE("/jobs/:id", routes.DeleteJobHandler)
}
