package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"characterstudio/internal/ratelimit"
	"characterstudio/internal/util"
	"characterstudio/services/studio/internal/app"
)

const maxJSONBodyBytes = 64 << 10

// IdentityVerifier turns a bearer token into the caller's user id.
type IdentityVerifier interface {
	VerifySubject(ctx context.Context, token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  IdentityVerifier
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
	// GenerationLimiter throttles create-profile and generate-visualization per user. Nil disables it.
	GenerationLimiter *ratelimit.FixedWindowLimiter
}

// Server exposes the studio operations over HTTP.
type Server struct {
	app            *app.App
	verifier       IdentityVerifier
	mux            *http.ServeMux
	allowedOrigins []string
	trustedProxies *util.TrustedProxies
	limiter        *ratelimit.FixedWindowLimiter
	maxCreateBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server requires token verifier")
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.TokenVerifier,
		mux:            http.NewServeMux(),
		allowedOrigins: cfg.AllowedOrigins,
		trustedProxies: cfg.TrustedProxies,
		limiter:        cfg.GenerationLimiter,
		maxCreateBytes: base64Len(cfg.App.MaxImageBytes()) + maxJSONBodyBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("studio", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/list-library", s.withUser(s.handleListLibrary))
	s.mux.Handle("/api/characters", s.withUser(s.handleListLibrary))
	s.mux.Handle("/api/characters/", s.withUser(s.handleCharacterByID))
	s.mux.Handle("/api/request-upload", s.withUser(s.handleRequestUpload))
	s.mux.Handle("/api/create-profile", s.withUser(s.handleCreateProfile))
	s.mux.Handle("/api/generate-visualization", s.withUser(s.handleGenerateVisualization))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "studio.authorize", "fail", "reason", "missing_token")
			writeAppError(w, r, &app.Error{Kind: app.KindUnauthenticated, Message: "sign-in required"})
			return
		}
		userID, err := s.verifier.VerifySubject(r.Context(), token)
		if err != nil {
			s.audit(r, "studio.authorize", "fail", "reason", "invalid_token", "err", err)
			writeAppError(w, r, &app.Error{Kind: app.KindUnauthenticated, Message: "sign-in required"})
			return
		}
		s.audit(r, "studio.authorize", "success", "user_id", userID)
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", userID))
		next(w, r.WithContext(ctx), userID)
	})
}

func (s *Server) handleListLibrary(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	items, err := s.app.ListLibrary(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCharacterByID(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/characters/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeAppError(w, r, &app.Error{Kind: app.KindNotFound, Message: "not found"})
		return
	}
	c, err := s.app.GetCharacter(r.Context(), userID, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type requestUploadRequest struct {
	FileName string `json:"fileName"`
}

func (s *Server) handleRequestUpload(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	var req requestUploadRequest
	if !decodeJSON(w, r, maxJSONBodyBytes, &req) {
		return
	}
	ticket, err := s.app.RequestUpload(r.Context(), userID, req.FileName)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type createProfileRequest struct {
	ImageBase64 string `json:"imageBase64"`
	FileName    string `json:"fileName"`
	ImagePath   string `json:"imagePath"`
	// FirstFilePath is the field name older clients send for ImagePath.
	FirstFilePath string `json:"firstFilePath"`
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, "create-profile", userID) {
		return
	}
	var req createProfileRequest
	if !decodeJSON(w, r, s.maxCreateBytes, &req) {
		return
	}
	imagePath := req.ImagePath
	if strings.TrimSpace(imagePath) == "" {
		imagePath = req.FirstFilePath
	}
	c, err := s.app.CreateProfile(r.Context(), userID, app.CreateProfileInput{
		ImageBase64: req.ImageBase64,
		FileName:    req.FileName,
		ImagePath:   imagePath,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type generateVisualizationRequest struct {
	CharacterID string `json:"characterId"`
	Prompt      string `json:"prompt"`
}

func (s *Server) handleGenerateVisualization(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, "generate-visualization", userID) {
		return
	}
	var req generateVisualizationRequest
	if !decodeJSON(w, r, maxJSONBodyBytes, &req) {
		return
	}
	v, err := s.app.GenerateVisualization(r.Context(), userID, req.CharacterID, req.Prompt)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, route, userID string) bool {
	if s.limiter == nil {
		return true
	}
	decision, err := s.limiter.Allow(r.Context(), route+"|"+userID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("rate limiter unavailable", "route", route, "err", err)
	}
	if decision.Allowed {
		return true
	}
	s.audit(r, "studio."+route, "rate_limited", "user_id", userID)
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeAppError(w, r, &app.Error{Kind: app.KindResourceExhausted, Message: "too many requests, try again later"})
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Debug("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, limit)
	err := json.NewDecoder(body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeAppError(w, r, &app.Error{Kind: app.KindInvalidArgument, Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
		return false
	}
	writeAppError(w, r, &app.Error{Kind: app.KindInvalidArgument, Message: "invalid JSON body"})
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func base64Len(n int64) int64 {
	return (n + 2) / 3 * 4
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method-not-allowed", "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromRequest(r),
	})
}

// writeAppError maps an app error kind to its HTTP status. Causes of internal
// errors are logged and never returned.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := app.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, r, status, string(kind), app.MessageOf(err))
}

func statusForKind(kind app.Kind) int {
	switch kind {
	case app.KindUnauthenticated:
		return http.StatusUnauthorized
	case app.KindInvalidArgument:
		return http.StatusBadRequest
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindFailedPrecondition:
		return http.StatusPreconditionFailed
	case app.KindResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
