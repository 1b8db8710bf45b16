package middleware

import (
	"github.com/OFFIS-RIT/ipdr/internal/jobs"
	"github.com/OFFIS-RIT/ipdr/pkg/engine"
	"github.com/OFFIS-RIT/ipdr/pkg/loader"

	"github.com/labstack/echo/v4"
)

// Ingest locations accepted by POST /api/datasets?location=.
const (
	LocationLocal = "local"
	LocationS3    = "s3"
)

// App holds the long-lived services handlers work with.
//
// Source is the optional database table reloaded by
// POST /api/datasets?source=postgres. Files maps ingest locations to their
// loaders; IngestDir confines local reads.
type App struct {
	Engine      *engine.Engine
	Jobs        *jobs.Manager
	Source      engine.Source
	Files       map[string]loader.FileLoader
	IngestDir   string
	DefaultTopN int
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app}
			return next(cc)
		}
	}
}
