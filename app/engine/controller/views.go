package controller

import (
	"errors"
	"net/http"

	"github.com/canopy-network/riskgraph/app/engine/controller/types"
	"github.com/canopy-network/riskgraph/pkg/engine"
	"github.com/canopy-network/riskgraph/pkg/portfolio"
	"github.com/canopy-network/riskgraph/pkg/view"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HandleCompile compiles a view definition over a portfolio and keeps the
// result for later cycles.
func (c *Controller) HandleCompile(w http.ResponseWriter, r *http.Request) {
	var req types.CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Definition == nil || req.Portfolio == nil {
		c.writeError(w, http.StatusBadRequest, "definition and portfolio are required")
		return
	}

	if c.App.RefData != nil {
		if err := enrichSecurities(r.Context(), c.App.RefData, c.App.RefDataFields, req.Portfolio); err != nil {
			c.App.Logger.Error("Failed to load reference data", zap.Error(err))
			c.writeError(w, http.StatusBadGateway, "reference data unavailable: "+err.Error())
			return
		}
	}

	v, err := c.App.Engine.Compile(r.Context(), req.Definition, req.Portfolio)
	switch {
	case errors.Is(err, view.ErrInvalidDefinition), errors.Is(err, portfolio.ErrInvalidPortfolio):
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		c.App.Logger.Error("Failed to compile view", zap.String("view", req.Definition.Name), zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.writeJSON(w, http.StatusCreated, types.NewViewSummary(v))
}

func (c *Controller) HandleViewsList(w http.ResponseWriter, _ *http.Request) {
	views := c.App.Engine.Views()
	out := make([]types.ViewSummary, 0, len(views))
	for _, v := range views {
		out = append(out, types.NewViewSummary(v))
	}
	c.writeJSON(w, http.StatusOK, out)
}

func (c *Controller) HandleView(w http.ResponseWriter, r *http.Request) {
	v, ok := c.App.Engine.View(mux.Vars(r)["id"])
	if !ok {
		c.writeError(w, http.StatusNotFound, "view not found")
		return
	}
	c.writeJSON(w, http.StatusOK, types.NewViewSummary(v))
}

func (c *Controller) HandleViewDelete(w http.ResponseWriter, r *http.Request) {
	err := c.App.Engine.Remove(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, engine.ErrUnknownView):
		c.writeError(w, http.StatusNotFound, "view not found")
	case err != nil:
		c.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleGraphDump writes the text dump of one configuration's graph.
func (c *Controller) HandleGraphDump(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	v, ok := c.App.Engine.View(vars["id"])
	if !ok {
		c.writeError(w, http.StatusNotFound, "view not found")
		return
	}
	g, ok := v.Graphs[vars["config"]]
	if !ok {
		c.writeError(w, http.StatusNotFound, "configuration not found")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := g.Dump(w); err != nil {
		c.App.Logger.Warn("Failed to write graph dump", zap.Error(err))
	}
}

// HandleRunCycle evaluates a view against a fresh snapshot.
func (c *Controller) HandleRunCycle(w http.ResponseWriter, r *http.Request) {
	var req types.CycleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			c.writeError(w, http.StatusBadRequest, "bad json")
			return
		}
	}
	res, err := c.App.Engine.Run(r.Context(), mux.Vars(r)["id"], req.AsOf)
	switch {
	case errors.Is(err, engine.ErrUnknownView):
		c.writeError(w, http.StatusNotFound, "view not found")
		return
	case err != nil:
		c.App.Logger.Error("Cycle failed", zap.Error(err))
		c.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.writeJSON(w, http.StatusOK, res)
}
