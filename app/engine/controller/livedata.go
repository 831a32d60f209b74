package controller

import (
	"errors"
	"net/http"

	"github.com/canopy-network/riskgraph/app/engine/controller/types"
	"github.com/canopy-network/riskgraph/pkg/archive"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
)

// HandleSnapshot returns the archived values of a snapshot.
func (c *Controller) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if c.App.Archive == nil {
		c.writeError(w, http.StatusServiceUnavailable, "snapshot archive disabled")
		return
	}
	entries, err := c.App.Archive.Load(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, archive.ErrSnapshotNotFound):
		c.writeError(w, http.StatusNotFound, "snapshot not found")
		return
	case err != nil:
		c.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	c.writeJSON(w, http.StatusOK, entries)
}

func (c *Controller) HandleLiveDataStats(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, c.App.LiveData.Stats())
}

// HandlePublishTick feeds a tick into the in-process feed. It is only
// available when the service runs without Redis.
func (c *Controller) HandlePublishTick(w http.ResponseWriter, r *http.Request) {
	if c.App.Simulated == nil {
		c.writeError(w, http.StatusConflict, "ticks are read from the Redis feed")
		return
	}
	var req types.TickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" {
		c.writeError(w, http.StatusBadRequest, "externalId and fields are required")
		return
	}
	if err := c.App.Simulated.Publish(req.ExternalID, req.Fields); err != nil {
		c.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
