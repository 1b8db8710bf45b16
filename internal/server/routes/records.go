package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/ipdr/pkg/dataset"

	"github.com/labstack/echo/v4"
)

func GetRecordsHandler(c echo.Context) error {
	type getRecordsParams struct {
		filterParams
		Page  int `query:"page" validate:"gte=0"`
		Limit int `query:"limit" validate:"gte=0"`
	}

	params := new(getRecordsParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}

	eng := app(c).Engine
	filter, err := params.toFilter(eng.Config().Location)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	ds, err := eng.Current()
	if err != nil {
		return fail(c, err)
	}
	page, err := eng.Query(ctx, ds, filter, dataset.Pagination{Page: params.Page, Limit: params.Limit})
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, page)
}
