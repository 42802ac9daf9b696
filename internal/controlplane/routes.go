package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gpuscheduler/gpu-scheduler/internal/statuswriter"
)

// StatusSource is the narrow slice of statuswriter.Writer the control
// plane reads from. An interface here keeps this package testable
// without a real status file on disk.
type StatusSource interface {
	Snapshot() statuswriter.SchedulerStatus
}

func registerRoutes(router *mux.Router, status StatusSource) {
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/status", handleStatus(status)).Methods(http.MethodGet)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleStatus(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := status.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
		}
	}
}
