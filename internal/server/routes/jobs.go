package routes

import (
	"net/http"
	"path"

	"github.com/OFFIS-RIT/ipdr/internal/jobs"
	"github.com/OFFIS-RIT/ipdr/internal/storage"
	"github.com/OFFIS-RIT/ipdr/pkg/dataset"

	"github.com/labstack/echo/v4"
)

func CreateJobHandler(c echo.Context) error {
	type createJobParams struct {
		Type   string         `json:"type" validate:"required,oneof=export analysis"`
		Filter dataset.Filter `json:"filter"`
		TopN   int            `json:"top_n" validate:"gte=0"`
	}

	params := new(createJobParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}

	m := app(c).Jobs
	ctx := c.Request().Context()
	id, err := m.Submit(ctx, jobs.Type(params.Type), jobs.Params{
		Filter: params.Filter,
		TopN:   params.TopN,
	})
	if err != nil {
		return fail(c, err)
	}

	job, err := m.Status(id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func GetJobsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, app(c).Jobs.List())
}

func GetJobHandler(c echo.Context) error {
	type getJobParams struct {
		ID string `param:"id" validate:"required"`
	}

	params := new(getJobParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}

	job, err := app(c).Jobs.Status(params.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// DownloadJobHandler streams the result of a completed job. With ?link=true
// it answers with a direct URL instead when the result store provides one.
func DownloadJobHandler(c echo.Context) error {
	type downloadJobParams struct {
		ID   string `param:"id" validate:"required"`
		Link bool   `query:"link"`
	}

	params := new(downloadJobParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}

	m := app(c).Jobs
	ctx := c.Request().Context()

	if params.Link {
		link, ok, err := m.Link(ctx, params.ID)
		if err != nil {
			return fail(c, err)
		}
		if ok {
			return c.JSON(http.StatusOK, map[string]string{"url": link})
		}
	}

	job, err := m.Status(params.ID)
	if err != nil {
		return fail(c, err)
	}
	body, err := m.Download(ctx, params.ID)
	if err != nil {
		return fail(c, err)
	}
	defer body.Close()

	name := path.Base(job.ResultLocation)
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
	return c.Stream(http.StatusOK, storage.ContentType(name), body)
}

func DeleteJobHandler(c echo.Context) error {
	type deleteJobParams struct {
		ID string `param:"id" validate:"required"`
	}

	params := new(deleteJobParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}

	job, err := app(c).Jobs.Cancel(c.Request().Context(), params.ID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, job)
}
