package routes

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/OFFIS-RIT/ipdr/internal/server/middleware"
	"github.com/OFFIS-RIT/ipdr/pkg/engine"
	"github.com/OFFIS-RIT/ipdr/pkg/loader"
	"github.com/OFFIS-RIT/ipdr/pkg/logger"
	"github.com/OFFIS-RIT/ipdr/pkg/record"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type forgetter interface {
	Forget(file loader.File)
}

// CreateDatasetHandler ingests a dataset and makes it the active one.
//
// The input is taken from, in order: the configured database table
// (?source=postgres), a file in an ingest location (?location=&path=), a
// multipart upload in the "file" field, or the raw request body.
func CreateDatasetHandler(c echo.Context) error {
	type createDatasetParams struct {
		Format   string `query:"format"`
		Source   string `query:"source" validate:"omitempty,oneof=postgres"`
		Location string `query:"location" validate:"omitempty,oneof=local s3"`
		Path     string `query:"path"`
	}

	params := new(createDatasetParams)
	if msg, ok := bindQuery(c, params); !ok {
		return badRequest(c, msg)
	}
	format, err := loader.ParseFormat(params.Format)
	if err != nil {
		return badRequest(c, err.Error())
	}

	a := app(c)
	ctx := c.Request().Context()

	var res *engine.LoadResult
	switch {
	case params.Source != "":
		if a.Source == nil {
			return badRequest(c, "No database source configured")
		}
		res, err = a.Engine.LoadSource(ctx, a.Source)
	case params.Location != "":
		if params.Path == "" {
			return badRequest(c, "Missing path")
		}
		file, msg, ok := ingestFile(a, params.Location, params.Path, format)
		if !ok {
			return badRequest(c, msg)
		}
		res, err = a.Engine.LoadFile(ctx, file)
		if f, ok := file.Loader.(forgetter); ok {
			f.Forget(file)
		}
	default:
		content, name, readErr := readUpload(c)
		if readErr != nil {
			return badRequest(c, readErr.Error())
		}
		if format == loader.FormatAuto && name != "" {
			if f, err := loader.ParseFormat(filepath.Ext(name)); err == nil {
				format = f
			}
		}
		res, err = a.Engine.Load(ctx, content, format)
	}

	if errors.Is(err, record.ErrInvalidDataset) && res != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"warnings": res.Warnings,
		})
	}
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusCreated, res)
}

// ingestFile resolves a file in one of the configured ingest locations.
func ingestFile(a *middleware.App, location, path string, format loader.Format) (loader.File, string, bool) {
	fl, ok := a.Files[location]
	if !ok {
		return loader.File{}, "Ingest location " + location + " is not configured", false
	}

	if location == middleware.LocationLocal {
		if a.IngestDir == "" {
			return loader.File{}, "Ingest location local is not configured", false
		}
		abs := filepath.Join(a.IngestDir, filepath.Clean("/"+path))
		rel, err := filepath.Rel(a.IngestDir, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return loader.File{}, "Invalid path", false
		}
		path = abs
	}

	id, err := gonanoid.New()
	if err != nil {
		logger.Error("[Server] Failed to generate file id", "err", err)
		id = path
	}
	return loader.NewFile(loader.NewFileParams{
		ID:     id,
		Path:   path,
		Format: format,
		Loader: fl,
	}), "", true
}

// readUpload returns the content of the multipart "file" field or, for
// other content types, the raw body.
func readUpload(c echo.Context) ([]byte, string, error) {
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, "", errors.New("missing file field")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		return content, fh.Filename, err
	}

	content, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, "", err
	}
	if len(content) == 0 {
		return nil, "", errors.New("empty request body")
	}
	return content, "", nil
}

// GetCurrentDatasetHandler describes the active dataset.
func GetCurrentDatasetHandler(c echo.Context) error {
	ds, err := app(c).Engine.Current()
	if err != nil {
		return fail(c, err)
	}

	from, to := ds.TimeRange()
	return c.JSON(http.StatusOK, map[string]any{
		"dataset_id": ds.ID(),
		"created_at": ds.CreatedAt(),
		"records":    ds.Len(),
		"entities":   ds.EntityCount(),
		"from":       from,
		"to":         to,
	})
}
