// Package handler exposes the audit subsystem over HTTP. It is a thin
// layer: parsing, context plumbing and response shaping only; all semantics
// live in the audit package.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chainlog/internal/audit"
	"chainlog/internal/audit/fallback"
	"chainlog/internal/platform/middleware"
	"chainlog/pkg/requestcontext"
)

// Handler wires the audit endpoints.
type Handler struct {
	logger      *slog.Logger
	audit       *audit.Logger
	store       audit.ChainStore
	verifier    *audit.Verifier
	replayer    *audit.Replayer
	fallbackLog *fallback.Log
	adminJWTKey string
}

// New constructs the handler.
func New(
	auditLogger *audit.Logger,
	store audit.ChainStore,
	verifier *audit.Verifier,
	replayer *audit.Replayer,
	fallbackLog *fallback.Log,
	adminJWTKey string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		logger:      logger,
		audit:       auditLogger,
		store:       store,
		verifier:    verifier,
		replayer:    replayer,
		fallbackLog: fallbackLog,
		adminJWTKey: adminJWTKey,
	}
}

// Register mounts all audit routes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/v1/audit", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.Recovery(h.logger))
		r.Use(middleware.Logger(h.logger))
		r.Use(middleware.ClientMetadata)

		r.Group(func(r chi.Router) {
			r.Use(middleware.TenantContext)
			r.Post("/events", h.handleLogEvent)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(h.adminJWTKey, h.logger))
			r.Get("/events", h.handleQuery)
			r.Get("/export", h.handleExport)
			r.Get("/verify", h.handleVerify)
			r.Post("/replay", h.handleReplay)
			r.Get("/fallback/stats", h.handleFallbackStats)
		})
	})
}

type logEventRequest struct {
	Actor          audit.Actor     `json:"actor"`
	EventType      audit.EventType `json:"event_type"`
	EventName      string          `json:"event_name"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	EventData      map[string]any  `json:"event_data"`
	Changes        *audit.Changes  `json:"changes"`
	ComplianceTags []string        `json:"compliance_tags"`
}

type logEventResponse struct {
	Status  string `json:"status"`
	EntryID string `json:"entry_id,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// handleLogEvent ingests one audit event. The response is 202 whenever the
// request parses: from the caller's perspective audit logging is
// fire-and-forget, and store failures are absorbed into the fallback log.
func (h *Handler) handleLogEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req logEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EventName == "" {
		writeError(w, http.StatusBadRequest, "event_name is required")
		return
	}

	event := audit.Event{
		Actor:          req.Actor,
		EventType:      req.EventType,
		EventName:      req.EventName,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		EventData:      req.EventData,
		Changes:        req.Changes,
		IPAddress:      requestcontext.ClientIP(ctx),
		UserAgent:      requestcontext.UserAgent(ctx),
		ComplianceTags: req.ComplianceTags,
	}

	resp := logEventResponse{Status: "accepted"}
	if entry := h.audit.LogEvent(ctx, event); entry != nil {
		resp.Status = "recorded"
		resp.EntryID = entry.ID.String()
		resp.Hash = entry.CurrentHash
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.store.Query(r.Context(), q)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := queryFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.store.Query(r.Context(), q)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit export query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if err := audit.Export(w, entries, format); err != nil {
		h.logger.ErrorContext(r.Context(), "audit export failed", "error", err)
	}
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	from, err := timeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := timeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.verifier.VerifyChain(r.Context(), tenantID, from, to)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "chain verification failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	summary, err := h.replayer.ReplayPending(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "fallback replay failed", "error", err)
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleFallbackStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.fallbackLog.Stat()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "fallback stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "fallback stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryFromRequest(r *http.Request) (audit.Query, error) {
	params := r.URL.Query()
	q := audit.Query{
		TenantID: params.Get("tenant_id"),
		Filter: audit.Filter{
			ActorUserID:   params.Get("user_id"),
			EventType:     audit.EventType(params.Get("event_type")),
			EventName:     params.Get("event_name"),
			ResourceType:  params.Get("resource_type"),
			ResourceID:    params.Get("resource_id"),
			ComplianceTag: params.Get("compliance_tag"),
		},
	}
	if q.TenantID == "" {
		return q, errRequired("tenant_id")
	}

	var err error
	if q.From, err = timeParam(r, "from"); err != nil {
		return q, err
	}
	if q.To, err = timeParam(r, "to"); err != nil {
		return q, err
	}
	if limit := params.Get("limit"); limit != "" {
		if q.Limit, err = strconv.Atoi(limit); err != nil || q.Limit < 0 {
			return q, errInvalid("limit")
		}
	}
	if offset := params.Get("offset"); offset != "" {
		if q.Offset, err = strconv.Atoi(offset); err != nil || q.Offset < 0 {
			return q, errInvalid("offset")
		}
	}
	return q, nil
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errInvalid(name)
	}
	return t, nil
}

type paramError struct{ msg string }

func (e paramError) Error() string { return e.msg }

func errRequired(name string) error { return paramError{name + " is required"} }
func errInvalid(name string) error  { return paramError{"invalid " + name} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
