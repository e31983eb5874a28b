// Package adminhttp serves the read-mostly JSON admin API over the
// background supervisor and the application log ring. It is a view plus the
// two control operations (stop, clean) — never a second registry.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shellmcp/shellmcp/internal/applog"
	"github.com/shellmcp/shellmcp/internal/supervisor"
)

type handler struct {
	sup *supervisor.Supervisor
	log *applog.Logger
}

// New returns the admin API router.
func New(sup *supervisor.Supervisor, log *applog.Logger) http.Handler {
	h := &handler{sup: sup, log: log}

	r := chi.NewRouter()
	r.Get("/api/processes", h.listProcesses)
	r.Get("/api/process/{pid}", h.getProcess)
	r.Get("/api/process/{pid}/output", h.getOutput)
	r.Post("/api/process/{pid}/stop", h.stopProcess)
	r.Post("/api/process/{pid}/clean", h.cleanProcess)
	r.Get("/api/logs", h.getLogs)
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func pidParam(r *http.Request) (int64, bool) {
	pid, err := strconv.ParseInt(chi.URLParam(r, "pid"), 10, 64)
	return pid, err == nil
}

func (h *handler) listProcesses(w http.ResponseWriter, r *http.Request) {
	filter := supervisor.Filter{
		Status: supervisor.Status(r.URL.Query().Get("status")),
		Labels: r.URL.Query()["label"],
	}
	if filter.Status != "" && !supervisor.ValidStatus(string(filter.Status)) {
		writeError(w, http.StatusBadRequest, "unknown status: "+string(filter.Status))
		return
	}
	writeJSON(w, http.StatusOK, h.sup.List(filter))
}

func (h *handler) getProcess(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	info, exists := h.sup.Get(pid)
	if !exists {
		writeError(w, http.StatusNotFound, "Process "+strconv.FormatInt(pid, 10)+" not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) getOutput(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}

	q := r.URL.Query()
	tail, _ := strconv.Atoi(q.Get("tail"))
	query := supervisor.OutputQuery{
		Tail:   tail,
		Stdout: q.Get("stdout") != "false",
		Stderr: q.Get("stderr") == "true",
	}

	out, err := h.sup.Output(pid, query)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stdout": emptyIfNil(out.Stdout),
		"stderr": emptyIfNil(out.Stderr),
	})
}

func emptyIfNil(lines []supervisor.LogLine) []supervisor.LogLine {
	if lines == nil {
		return []supervisor.LogLine{}
	}
	return lines
}

func (h *handler) stopProcess(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}

	var body struct {
		Force bool `json:"force"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	info, exists := h.sup.Get(pid)
	if !exists {
		writeError(w, http.StatusNotFound, "Process "+strconv.FormatInt(pid, 10)+" not found")
		return
	}
	if info.Status.Terminal() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "Process is not running (status: " + string(info.Status) + ")",
		})
		return
	}
	if err := h.sup.Stop(pid, body.Force); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Process " + strconv.FormatInt(pid, 10) + " stopped successfully",
		"pid":     pid,
	})
}

func (h *handler) cleanProcess(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}

	results := h.sup.Clean([]int64{pid})
	switch results[0].Outcome {
	case supervisor.CleanOutcomeNotFound:
		writeError(w, http.StatusNotFound, "Process "+strconv.FormatInt(pid, 10)+" not found")
	case supervisor.CleanOutcomeStillRunning:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status":  "error",
			"message": "Process is still running and cannot be cleaned",
		})
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "success",
			"message": "Process " + strconv.FormatInt(pid, 10) + " cleaned successfully",
			"pid":     pid,
		})
	}
}

func (h *handler) getLogs(w http.ResponseWriter, r *http.Request) {
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))
	if tail <= 0 {
		writeJSON(w, http.StatusOK, h.log.Entries())
		return
	}
	writeJSON(w, http.StatusOK, h.log.Recent(tail))
}
