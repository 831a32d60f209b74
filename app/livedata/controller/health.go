package controller

import (
	"net/http"

	"github.com/canopy-network/riskgraph/app/livedata/controller/types"
	"github.com/go-jose/go-jose/v4/json"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if c.App.Redis != nil {
		if err := c.App.Redis.Health(r.Context()); err != nil {
			c.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "redis connection error"})
			return
		}
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Controller) HandleStats(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, c.App.LiveData.Stats())
}

// HandlePublishTick feeds a tick into the simulated feed.
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
