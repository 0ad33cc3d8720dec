package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"tracklink/internal/db"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RegisterRoutes adds /healthz (process is up) and /readyz (every check
// passes).
func RegisterRoutes(r *mux.Router, checks map[string]Check) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		out := map[string]string{}
		status := http.StatusOK
		for name, c := range checks {
			if err := c(ctx); err != nil {
				out[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			out[name] = "ok"
		}
		if status == http.StatusOK {
			out["status"] = "ready"
		} else {
			out["status"] = "not ready"
		}
		writeJSON(w, status, out)
	}).Methods(http.MethodGet)
}

// RegisterRoutesWithDB is RegisterRoutes with a database ping added to the
// readiness checks.
func RegisterRoutesWithDB(r *mux.Router, d *gorm.DB, checks map[string]Check) {
	all := map[string]Check{"database": func(ctx context.Context) error { return db.Ping(ctx, d) }}
	for k, v := range checks {
		all[k] = v
	}
	RegisterRoutes(r, all)
}
