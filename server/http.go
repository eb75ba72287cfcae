package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/health"
	"github.com/jonwraymond/toolguard/oauth"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/secerr"
	"github.com/jonwraymond/toolguard/signing"
)

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	// JWT validates inbound bearer tokens. When nil, Authorization headers
	// are ignored and the server acquires tokens itself.
	JWT *oauth.JWTValidator

	// Verifier checks inbound request signatures for tools that require
	// request signing. Nil skips inbound checks.
	Verifier *signing.Verifier

	// Health serves /readyz and /health.
	// Default: bus and tool checks for the server
	Health *health.Aggregator

	// MaxBodyBytes bounds invocation request bodies.
	// Default: 1 MiB
	MaxBodyBytes int64

	// Logger receives request errors. Default: no-op
	Logger observe.Logger
}

type httpHandler struct {
	srv *SecureServer
	cfg HTTPConfig
}

// NewHandler exposes s over HTTP:
//
//	POST /tools/{toolID}/invoke  {"params": {...}}
//	GET  /tools
//	GET  /healthz, /readyz, /health
func NewHandler(s *SecureServer, cfg HTTPConfig) http.Handler {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Health == nil {
		cfg.Health = health.NewAggregator()
		cfg.Health.Register("event_bus", health.BusChecker(s.Events()))
		cfg.Health.Register("tools", health.ToolsChecker(func() int { return len(s.registry.List()) }))
	}
	h := &httpHandler{srv: s, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/tools", h.listTools)
	r.Post("/tools/{toolID}/invoke", h.invoke)
	health.Mount(r, cfg.Health)
	return r
}

type invokeBody struct {
	Params map[string]any `json:"params"`
}

func (h *httpHandler) invoke(w http.ResponseWriter, r *http.Request) {
	const op = "server.http_invoke"
	ctx := r.Context()
	toolID := chi.URLParam(r, "toolID")

	tool, ok := h.srv.registry.Get(toolID)
	if !ok {
		h.writeError(w, r, secerr.New(secerr.KindToolNotFound, toolID, op, "tool is not registered"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if tool.RequireRequestSigning && h.cfg.Verifier != nil {
		if err := h.verifySignature(r, toolID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	var body invokeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, secerr.Wrap(secerr.KindInvalidRequest, toolID, op, "request body is not valid JSON", err))
		return
	}

	req := Request{ToolID: toolID, Params: body.Params}
	if header := r.Header.Get("Authorization"); header != "" && h.cfg.JWT != nil {
		raw, claims, err := h.cfg.JWT.ValidateBearer(ctx, header)
		if err != nil {
			h.writeError(w, r, secerr.Wrap(secerr.KindAuth, toolID, op, "bearer token rejected", err))
			return
		}
		req.Token = claims.Token(raw, toolID)
	}

	resp, err := h.srv.Invoke(ctx, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *httpHandler) verifySignature(r *http.Request, toolID string) error {
	const op = "server.http_invoke"
	sr, err := signing.ParseHTTPSignature(r)
	if err == nil {
		err = h.cfg.Verifier.Verify(r.Context(), sr)
	}
	if err == nil {
		return nil
	}

	data := map[string]any{"direction": "inbound", "path": r.URL.Path}
	if sr != nil {
		data["key_id"] = sr.KeyID
	}
	h.srv.Events().Emit(events.New(events.SignatureFailure, toolID, data))
	return secerr.Wrap(secerr.KindSignature, toolID, op, "request signature rejected", err)
}

func (h *httpHandler) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": h.srv.Tools()})
}

type errorBody struct {
	Error secerr.PublicError `json:"error"`
}

func (h *httpHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	pub := secerr.Public(err)
	status := StatusCode(pub.Kind)
	if status >= http.StatusInternalServerError {
		h.cfg.Logger.Error(r.Context(), "request failed",
			observe.F("path", r.URL.Path),
			observe.F("request_id", middleware.GetReqID(r.Context())),
			observe.F("error", err))
	}
	writeJSON(w, status, errorBody{Error: pub})
}

// StatusCode maps an error kind to an HTTP status.
func StatusCode(kind secerr.Kind) int {
	switch kind {
	case secerr.KindInvalidRequest:
		return http.StatusBadRequest
	case secerr.KindAuth, secerr.KindSignature:
		return http.StatusUnauthorized
	case secerr.KindInsufficientScope, secerr.KindSignatureMismatch, secerr.KindPolicyViolation:
		return http.StatusForbidden
	case secerr.KindToolNotFound:
		return http.StatusNotFound
	case secerr.KindCallDepthExceeded:
		return http.StatusUnprocessableEntity
	case secerr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
