package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/ipdr/pkg/graph"

	"github.com/labstack/echo/v4"
)

type graphResponse struct {
	Nodes     []graph.Node  `json:"nodes"`
	Edges     []graph.Edge  `json:"edges"`
	Summary   graph.Summary `json:"summary"`
	Truncated bool          `json:"truncated"`
}

// newGraphResponse renders g. total is the size of the graph g was cut
// from.
func newGraphResponse(g *graph.Graph, total graph.Summary) graphResponse {
	s := g.Summary()
	return graphResponse{
		Nodes:     g.Nodes(),
		Edges:     g.Edges(),
		Summary:   s,
		Truncated: s.NodeCount < total.NodeCount,
	}
}

// GetGraphHandler returns the relationship graph limited to the busiest
// entities.
func GetGraphHandler(c echo.Context) error {
	eng := app(c).Engine
	ctx := c.Request().Context()
	ds, err := eng.Current()
	if err != nil {
		return fail(c, err)
	}

	full, err := eng.Graph(ctx, ds)
	if err != nil {
		return fail(c, err)
	}
	view, err := eng.View(ctx, ds)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, newGraphResponse(view, full.Summary()))
}

func GetGraphSummaryHandler(c echo.Context) error {
	eng := app(c).Engine
	ctx := c.Request().Context()
	ds, err := eng.Current()
	if err != nil {
		return fail(c, err)
	}

	g, err := eng.Graph(ctx, ds)
	if err != nil {
		return fail(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"dataset_id":   ds.ID(),
		"node_count":   g.Summary().NodeCount,
		"edge_count":   g.Summary().EdgeCount,
		"total_weight": g.TotalWeight(),
		"density":      g.Density(),
	})
}

// GetEgoGraphHandler returns the neighbourhood of an entity. Unknown
// entities yield an empty graph.
func GetEgoGraphHandler(c echo.Context) error {
	type getEgoGraphParams struct {
		Entity string `param:"entity" validate:"required"`
		Hops   int    `query:"hops" validate:"gte=0,lte=5"`
	}

	params := new(getEgoGraphParams)
	if msg, ok := bind(c, params); !ok {
		return badRequest(c, msg)
	}
	hops := params.Hops
	if hops == 0 {
		hops = 1
	}

	eng := app(c).Engine
	ctx := c.Request().Context()
	ds, err := eng.Current()
	if err != nil {
		return fail(c, err)
	}

	ego, err := eng.Ego(ctx, ds, params.Entity, hops)
	if err != nil {
		return fail(c, err)
	}

	s := ego.Summary()
	return c.JSON(http.StatusOK, newGraphResponse(ego, s))
}
