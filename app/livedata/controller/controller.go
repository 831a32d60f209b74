package controller

import (
	"net/http"
	"time"

	"github.com/canopy-network/riskgraph/app/livedata/types"
	"github.com/canopy-network/riskgraph/pkg/metrics"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
)

// DefaultSnapshotTimeout bounds how long POST /snapshots waits for the
// first tick of a freshly subscribed instrument.
const DefaultSnapshotTimeout = 5 * time.Second

type Controller struct {
	App *types.App
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{App: app}
}

// NewRouter returns a new router with all the routes of the service.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(c.HandleHealth)).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")
	r.HandleFunc("/stats", c.HandleStats).Methods("GET")

	r.HandleFunc("/subscriptions", c.HandleSubscriptionsList).Methods("GET")
	r.HandleFunc("/subscriptions", c.HandleSubscribe).Methods("POST")
	r.HandleFunc("/subscriptions", c.HandleUnsubscribe).Methods("DELETE")
	r.HandleFunc("/heartbeat", c.HandleHeartbeat).Methods("POST")

	r.HandleFunc("/snapshots", c.HandleSnapshot).Methods("POST")
	r.HandleFunc("/ticks", c.HandlePublishTick).Methods("POST")

	r.HandleFunc("/ws", c.HandleWebSocket)

	return r, nil
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *Controller) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (c *Controller) writeError(w http.ResponseWriter, statusCode int, message string) {
	c.writeJSON(w, statusCode, map[string]string{"error": message})
}
