package api

import (
	"encoding/json"
	"net/http"

	"github.com/checkrelay/checkrelay/internal/analyze"
	"github.com/checkrelay/checkrelay/internal/domain"
	"github.com/checkrelay/checkrelay/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the remote checking protocol under /api/v1.
// Availability polling and checker listing stay outside the version gate so
// any client revision can discover the server; everything session-scoped is
// refused on version mismatch.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/availability", h.PollCheckAvailability)
		r.Post("/checkers", h.GetCheckerList)

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIVersion(ProtocolVersion))
			r.Post("/connections", h.InitConnection)
			r.Post("/connections/{token}/files", h.SendFileData)
			r.Post("/connections/{token}/check", h.BeginChecking)
			r.Get("/connections/{token}/results", h.FetchPlists)
			r.Delete("/connections/{token}", h.Expire)
		})
	})
}

type availabilityRequest struct {
	RunName string `json:"run_name"`
}

// PollCheckAvailability reports whether a new run would currently be admitted.
func (h *Handler) PollCheckAvailability(w http.ResponseWriter, r *http.Request) {
	h.count("pollCheckAvailability")

	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, domain.CodeGeneral, "invalid request body")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"available": h.mgr.PollCheckAvailability(req.RunName),
		"version":   ProtocolVersion,
	})
}

type initRequest struct {
	RunName        string          `json:"run_name"`
	InvocationArgs string          `json:"invocation_args,omitempty"`
	CheckArgs      json.RawMessage `json:"check_args,omitempty"`
}

// InitConnection admits a session: locks the run name and issues a token.
func (h *Handler) InitConnection(w http.ResponseWriter, r *http.Request) {
	h.count("initConnection")

	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, domain.CodeGeneral, "invalid request body")
		return
	}

	var args domain.CheckArgs
	if len(req.CheckArgs) > 0 {
		if err := json.Unmarshal(req.CheckArgs, &args); err != nil {
			Error(w, http.StatusBadRequest, domain.CodeGeneral, "check_args must be a JSON object")
			return
		}
	}

	token, isInitial, err := h.mgr.InitConnection(r.Context(), req.RunName, req.InvocationArgs, args)
	if err != nil {
		h.fail(w, "initConnection", err)
		return
	}

	JSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"is_initial": isInitial,
	})
}

type sendFilesRequest struct {
	Files []domain.FileRecord `json:"files"`
}

// SendFileData syncs file metadata/contents and returns the still-needed paths.
func (h *Handler) SendFileData(w http.ResponseWriter, r *http.Request) {
	h.count("sendFileData")

	var req sendFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, domain.CodeGeneral, "invalid request body")
		return
	}

	needed, err := h.mgr.SendFileData(r.Context(), chi.URLParam(r, "token"), req.Files)
	if err != nil {
		// An integrity failure still reports which paths remain outstanding.
		h.fail(w, "sendFileData", err, needed...)
		return
	}
	if needed == nil {
		needed = []string{}
	}

	JSON(w, http.StatusOK, map[string]any{"needed": needed})
}

// BeginChecking starts the analysis once every needed file has arrived.
func (h *Handler) BeginChecking(w http.ResponseWriter, r *http.Request) {
	h.count("beginChecking")

	if err := h.mgr.BeginChecking(r.Context(), chi.URLParam(r, "token")); err != nil {
		h.fail(w, "beginChecking", err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{"status": "checking"})
}

// FetchPlists returns the report artifacts of a completed check.
func (h *Handler) FetchPlists(w http.ResponseWriter, r *http.Request) {
	h.count("fetchPlists")

	records, err := h.mgr.FetchResults(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.fail(w, "fetchPlists", err)
		return
	}
	if records == nil {
		records = []domain.FileRecord{}
	}

	JSON(w, http.StatusOK, map[string]any{"files": records})
}

// Expire terminates a session. Idempotent: unknown tokens succeed.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	h.count("expire")

	if err := h.mgr.Expire(r.Context(), chi.URLParam(r, "token")); err != nil {
		h.fail(w, "expire", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkerListRequest struct {
	Analyzers       []string `json:"analyzers,omitempty"`
	OrderedCheckers []string `json:"ordered_checkers,omitempty"`
}

// GetCheckerList reports the checkers available on this server with the
// enabled flags the client's selection would produce.
func (h *Handler) GetCheckerList(w http.ResponseWriter, r *http.Request) {
	h.count("getCheckerList")

	var req checkerListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, domain.CodeGeneral, "invalid request body")
		return
	}

	checkers, err := h.runner.Checkers(r.Context(), req.Analyzers)
	if err != nil {
		h.fail(w, "getCheckerList", err)
		return
	}
	checkers = analyze.ApplySelection(checkers, req.OrderedCheckers)
	if checkers == nil {
		checkers = []domain.Checker{}
	}

	JSON(w, http.StatusOK, map[string]any{"checkers": checkers})
}
