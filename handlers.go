package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/LobstyuII/GEDI-elev-correction/bias"
)

// newHTTPServer creates the status server
func newHTTPServer(progress *bias.ProgressTracker, store bias.ArtifactStore) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Beams     int       `json:"beams"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Beams:     len(progress.Snapshot()),
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, progress.Snapshot())
	})

	mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		results, err := store.ListResults()
		if err != nil {
			log.Printf("[HTTP] Error listing results: %v", err)
			http.Error(w, "failed to list results", http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Get("format") == "csv" {
			w.Header().Set("Content-Type", "text/csv")
			if err := bias.WriteResultsCSV(w, results...); err != nil {
				log.Printf("[HTTP] Error writing results CSV: %v", err)
			}
			return
		}
		if results == nil {
			results = []bias.BeamResult{}
		}
		writeJSON(w, results)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}
