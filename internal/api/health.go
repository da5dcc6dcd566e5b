package api

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// handleReady reports 200 only when the database answers, the inference
// engine is reachable and the vector index is loaded.
func handleReady(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := readyResponse{Status: "ready", Checks: map[string]string{}}
		fail := func(name, msg string) {
			resp.Status = "not_ready"
			resp.Checks[name] = msg
		}

		if err := deps.Store.Ping(ctx); err != nil {
			fail("database", err.Error())
		} else {
			resp.Checks["database"] = "ok"
		}

		if deps.Engine != nil {
			if deps.Engine.IsRunning(ctx) {
				resp.Checks["engine"] = "ok"
			} else {
				fail("engine", "unreachable")
			}
		}

		if deps.Index == nil {
			fail("index", "not loaded")
		} else {
			resp.Checks["index"] = fmt.Sprintf("ok (%d vectors)", deps.Index.Len())
		}

		code := http.StatusOK
		if resp.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
