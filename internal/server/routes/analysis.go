package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/ipdr/pkg/anomaly"
	"github.com/OFFIS-RIT/ipdr/pkg/search"

	"github.com/labstack/echo/v4"
)

func GetPatternsHandler(c echo.Context) error {
	type getPatternsParams struct {
		Top int `query:"top" validate:"gte=0"`
	}

	params := new(getPatternsParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}

	eng := app(c).Engine
	ctx := c.Request().Context()
	ds, err := eng.Current()
	if err != nil {
		return fail(c, err)
	}

	summary, err := eng.Patterns(ctx, ds)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, summary.Truncate(params.Top))
}

// GetAnomaliesHandler lists suspicious entities, most suspicious first.
func GetAnomaliesHandler(c echo.Context) error {
	type getAnomaliesParams struct {
		Limit    int     `query:"limit" validate:"gte=0"`
		MinScore float64 `query:"min_score" validate:"gte=0,lte=1"`
	}

	params := new(getAnomaliesParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}

	eng := app(c).Engine
	ctx := c.Request().Context()
	ds, err := eng.Current()
	if err != nil {
		return fail(c, err)
	}

	scores, err := eng.Suspicious(ctx, ds, 0)
	if err != nil {
		return fail(c, err)
	}

	out := make([]anomaly.Score, 0, len(scores))
	for _, s := range scores {
		if s.Score < params.MinScore {
			break
		}
		if params.Limit > 0 && len(out) >= params.Limit {
			break
		}
		out = append(out, s)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"dataset_id": ds.ID(),
		"total":      len(scores),
		"entities":   out,
	})
}

func GetEntityHandler(c echo.Context) error {
	type getEntityParams struct {
		ID       string `param:"id" validate:"required"`
		Partners int    `query:"partners" validate:"gte=0"`
		Recent   int    `query:"recent" validate:"gte=0"`
	}

	params := new(getEntityParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}

	opts := search.DefaultOptions()
	if params.Partners > 0 {
		opts.TopPartners = params.Partners
	}
	if params.Recent > 0 {
		opts.RecentLimit = params.Recent
	}

	eng := app(c).Engine
	ctx := c.Request().Context()
	ds, err := eng.Current()
	if err != nil {
		return fail(c, err)
	}

	report, err := eng.Search(ctx, ds, params.ID, opts)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, report)
}
