package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kernelhub/internal/action"
	"kernelhub/internal/bridge"
	"kernelhub/internal/kernel"
	"kernelhub/internal/logging"
	"kernelhub/internal/routing"
	"kernelhub/internal/version"
)

type RestHandler struct {
	Kernels  *kernel.Registry
	Routes   *routing.Table
	Actions  *action.Dispatcher
	Sessions *bridge.SessionTracker
	Logger   *logging.Logger
}

type kernelSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type statusResponse struct {
	Version        version.Info `json:"version"`
	KernelCount    int          `json:"kernel_count"`
	ActiveSessions int          `json:"active_sessions"`
	ServerTime     time.Time    `json:"server_time"`
}

type createKernelRequest struct {
	Argv []string `json:"argv"`
}

type notebookKernelResponse struct {
	NotebookID string `json:"notebook_id"`
	KernelID   string `json:"kernel_id"`
}

type logQuery struct {
	Limit int
	Level logging.Level
	Since *time.Time
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if err := h.requireKernels(); err != nil {
		return err
	}

	response := statusResponse{
		Version:     version.Get(),
		KernelCount: len(h.Kernels.List()),
		ServerTime:  time.Now().UTC(),
	}
	if h.Sessions != nil {
		response.ActiveSessions = h.Sessions.ActiveCount()
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleKernels(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireKernels(); err != nil {
		return err
	}

	switch r.Method {
	case http.MethodGet:
		return h.listKernels(w)
	case http.MethodPost:
		return h.createKernel(w, r)
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

// handleKernel serves /api/kernels/{id} and /api/kernels/{id}/{action}.
func (h *RestHandler) handleKernel(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireKernels(); err != nil {
		return err
	}

	id, actionName, ok := parseKernelPath(r.URL.Path)
	if !ok {
		return &apiError{Status: http.StatusBadRequest, Message: "missing kernel id"}
	}

	if actionName != "" {
		return h.performAction(w, r, id, actionName)
	}
	return h.deleteKernel(w, r, id)
}

func (h *RestHandler) listKernels(w http.ResponseWriter) *apiError {
	infos := h.Kernels.List()
	response := make([]kernelSummary, 0, len(infos))
	for _, info := range infos {
		response = append(response, kernelSummary{ID: info.ID, CreatedAt: info.CreatedAt})
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) createKernel(w http.ResponseWriter, r *http.Request) *apiError {
	request, apiErr := decodeCreateKernelRequest(r)
	if apiErr != nil {
		return apiErr
	}

	id, err := h.Kernels.Start(r.Context(), request.Argv)
	if err != nil {
		var launchErr *kernel.LaunchError
		if errors.As(err, &launchErr) {
			return &apiError{Status: http.StatusInternalServerError, Message: launchErr.Error(), Code: "launch_failed"}
		}
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to start kernel"}
	}
	writeJSON(w, http.StatusCreated, kernelSummary{ID: id, CreatedAt: time.Now().UTC()})
	return nil
}

func (h *RestHandler) performAction(w http.ResponseWriter, r *http.Request, id, actionName string) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}
	if h.Actions == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "action dispatcher unavailable"}
	}

	switch actionName {
	case "restart":
		newID, err := h.Actions.Restart(r.Context(), id)
		if err != nil {
			return actionError(err, id)
		}
		writeJSON(w, http.StatusOK, kernelSummary{ID: newID, CreatedAt: time.Now().UTC()})
		return nil
	case "interrupt":
		if err := h.Actions.Interrupt(id); err != nil {
			return actionError(err, id)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	default:
		return &apiError{Status: http.StatusBadRequest, Message: "unknown action"}
	}
}

func (h *RestHandler) deleteKernel(w http.ResponseWriter, r *http.Request, id string) *apiError {
	if r.Method != http.MethodDelete {
		return methodNotAllowed(w, "DELETE")
	}
	if h.Actions == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "action dispatcher unavailable"}
	}

	if err := h.Actions.Shutdown(r.Context(), id); err != nil {
		return actionError(err, id)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleNotebook serves /api/notebooks/{id} and /api/notebooks/{id}/kernel.
func (h *RestHandler) handleNotebook(w http.ResponseWriter, r *http.Request) *apiError {
	if h.Routes == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "routing table unavailable"}
	}

	notebookID, wantsKernel, ok := parseNotebookPath(r.URL.Path)
	if !ok {
		return &apiError{Status: http.StatusBadRequest, Message: "missing notebook id"}
	}

	if wantsKernel {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			return methodNotAllowed(w, "GET, POST")
		}
		kernelID, err := h.Routes.Resolve(r.Context(), notebookID)
		if err != nil {
			var launchErr *kernel.LaunchError
			if errors.As(err, &launchErr) {
				return &apiError{Status: http.StatusInternalServerError, Message: launchErr.Error(), Code: "launch_failed"}
			}
			return &apiError{Status: http.StatusInternalServerError, Message: "failed to resolve kernel"}
		}
		writeJSON(w, http.StatusOK, notebookKernelResponse{NotebookID: notebookID, KernelID: kernelID})
		return nil
	}

	if r.Method != http.MethodDelete {
		return methodNotAllowed(w, "DELETE")
	}
	if err := h.Routes.Release(r.Context(), notebookID); err != nil {
		if errors.Is(err, routing.ErrUnknownNotebook) {
			return &apiError{Status: http.StatusNotFound, Message: "notebook not found"}
		}
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to release notebook"}
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if h.Logger == nil || h.Logger.Buffer() == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "log buffer unavailable"}
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	query, apiErr := parseLogQuery(r)
	if apiErr != nil {
		return apiErr
	}

	entries := h.Logger.Buffer().List()
	writeJSON(w, http.StatusOK, filterLogEntries(entries, query))
	return nil
}

func (h *RestHandler) requireKernels() *apiError {
	if h.Kernels == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "kernel registry unavailable"}
	}
	return nil
}

func actionError(err error, id string) *apiError {
	if errors.Is(err, kernel.ErrUnknownKernel) {
		return &apiError{Status: http.StatusNotFound, Message: "kernel not found", KernelID: id}
	}
	var launchErr *kernel.LaunchError
	if errors.As(err, &launchErr) {
		return &apiError{Status: http.StatusInternalServerError, Message: launchErr.Error(), Code: "launch_failed", KernelID: id}
	}
	return &apiError{Status: http.StatusInternalServerError, Message: "kernel action failed", KernelID: id}
}

func parseKernelPath(path string) (id, actionName string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/api/kernels/")
	if trimmed == path {
		return "", "", false
	}
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return "", "", false
	}

	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1], parts[0] != ""
	}
	return parts[0], "", true
}

func parseNotebookPath(path string) (id string, wantsKernel, ok bool) {
	trimmed := strings.TrimPrefix(path, "/api/notebooks/")
	if trimmed == path {
		return "", false, false
	}
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return "", false, false
	}

	if strings.HasSuffix(trimmed, "/kernel") {
		id = strings.TrimSuffix(trimmed, "/kernel")
		return id, true, id != ""
	}
	return trimmed, false, true
}

func decodeCreateKernelRequest(r *http.Request) (createKernelRequest, *apiError) {
	var request createKernelRequest
	if r.Body == nil {
		return request, nil
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil && err != io.EOF {
		return request, &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
	}
	return request, nil
}

func parseLogQuery(r *http.Request) (logQuery, *apiError) {
	values := r.URL.Query()
	query := logQuery{Limit: 100}

	if rawLimit := strings.TrimSpace(values.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		query.Limit = limit
	}

	if rawSince := strings.TrimSpace(values.Get("since")); rawSince != "" {
		parsed, err := time.Parse(time.RFC3339, rawSince)
		if err != nil {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid since timestamp"}
		}
		query.Since = &parsed
	}

	if rawLevel := strings.TrimSpace(values.Get("level")); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
		}
		query.Level = level
	}

	return query, nil
}

func filterLogEntries(entries []logging.Entry, query logQuery) []logging.Entry {
	filtered := make([]logging.Entry, 0, len(entries))
	for _, entry := range entries {
		if query.Level != "" && !levelAtLeast(entry.Level, query.Level) {
			continue
		}
		if query.Since != nil && entry.Timestamp.Before(*query.Since) {
			continue
		}
		filtered = append(filtered, entry)
	}
	if query.Limit > 0 && len(filtered) > query.Limit {
		filtered = filtered[len(filtered)-query.Limit:]
	}
	return filtered
}

func levelAtLeast(level, minLevel logging.Level) bool {
	rank := func(l logging.Level) int {
		switch l {
		case logging.LevelDebug:
			return 0
		case logging.LevelInfo:
			return 1
		case logging.LevelWarning:
			return 2
		case logging.LevelError:
			return 3
		default:
			return 1
		}
	}
	return rank(level) >= rank(minLevel)
}
