package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Live orchestration state
	mux.HandleFunc("GET /api/snapshot", s.getSnapshot)
	mux.HandleFunc("POST /api/message", s.postMessage)
	mux.HandleFunc("POST /api/restart", s.postRestart)

	// Persisted history
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/runs/{id}/messages", s.getRunMessages)
	mux.HandleFunc("GET /api/runs/{id}/sessions", s.getRunSessions)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.orch.Snapshot())
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.orch.UserMessage(body.Text)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) postRestart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Task == "" {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.orch.Restart(body.Task); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) getRunMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.store.GetMessages(r.PathValue("id"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, messages)
}

func (s *Server) getRunSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.GetAgentSessions(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sessions)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.orch.Snapshot()
	jsonResponse(w, map[string]any{
		"version":      s.version,
		"uptime":       formatUptime(time.Since(s.startedAt)),
		"run_id":       snap.RunID,
		"round_active": snap.RoundActive,
		"agents":       len(snap.Agents),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
