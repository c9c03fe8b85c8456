package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/hanrei/internal/auth"
	"github.com/ashita-ai/hanrei/internal/model"
	"github.com/ashita-ai/hanrei/internal/search"
	"github.com/ashita-ai/hanrei/internal/storage"
)

// Handlers bundles the HTTP handlers and their dependencies.
type Handlers struct {
	db         *storage.DB
	jwtMgr     *auth.JWTManager
	apiKeyHash string
	searcher   *search.Service
	courts     CourtRunner
	agents     *AgentRunner
	logger     *slog.Logger
	version    string
	maxBody    int64
}

// HandlersDeps holds dependencies for NewHandlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	APIKeyHash          string
	Searcher            *search.Service
	Courts              CourtRunner
	Agents              *AgentRunner
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:         deps.DB,
		jwtMgr:     deps.JWTMgr,
		apiKeyHash: deps.APIKeyHash,
		searcher:   deps.Searcher,
		courts:     deps.Courts,
		agents:     deps.Agents,
		logger:     deps.Logger,
		version:    deps.Version,
		maxBody:    maxBody,
	}
}

// limitBody caps the request body before decoding.
func (h *Handlers) limitBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
}

// HandleHealth responds to GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, code, map[string]any{
		"status":  status,
		"version": h.version,
		"time":    time.Now().UTC(),
	})
}

// HandleAuthToken responds to POST /auth/token: exchanges the static API
// key for a role-scoped JWT. The key itself travels only in the request
// body and is never logged.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil || h.apiKeyHash == "" {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "token issuance is not configured")
		return
	}
	h.limitBody(w, r)

	var req model.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, h.apiKeyHash)
	if err != nil || !ok {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	role := auth.Role(req.Role)
	if role == "" {
		role = auth.RoleReader
	}
	token, exp, err := h.jwtMgr.IssueToken(req.Name, role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, model.TokenResponse{Token: token, ExpiresAt: exp})
}

// HandleSearch responds to POST /api/search with hybrid KB retrieval.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	if h.searcher == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "search is not configured")
		return
	}
	h.limitBody(w, r)

	var req model.SearchAPIRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	mode := model.SearchType(req.Mode)
	switch mode {
	case model.SearchKeyword, model.SearchVector, model.SearchHybrid, "":
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown search mode")
		return
	}

	results, err := h.searcher.Search(r.Context(), mode, req.Query, search.Options{
		Repo:  req.Repo,
		Limit: req.Limit,
	})
	if err != nil {
		h.logger.Error("search failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "search failed")
		return
	}
	writeList(w, r, results, len(results))
}
