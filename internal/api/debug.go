package api

import (
    "net/http"
    "runtime"
    "time"

    "webhookd/internal/buildinfo"
)

// DebugJSON reports build info, runtime stats and the non-secret configuration.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    info := map[string]any{
        "build":      buildinfo.Info(),
        "time":       time.Now().UTC().Format(time.RFC3339),
        "goroutines": runtime.NumGoroutine(),
        "config":     s.config,
    }
    writeJSON(w, 200, info)
}
