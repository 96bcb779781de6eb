package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"novora/api/internal/auth"
	"novora/api/internal/responses"
	"novora/api/internal/store"
	"novora/api/internal/vault"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
	observe    func(method string, status int, elapsed time.Duration)
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

// WithMetrics serves handler at /metrics and reports every request to
// observe.
func (s *HTTPServer) WithMetrics(handler http.Handler, observe func(method string, status int, elapsed time.Duration)) *HTTPServer {
	s.metrics = handler
	s.observe = observe
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session) {
	slog.Warn("request forbidden", "user_id", session.UserID, "role", string(session.Role), "path", r.URL.Path)
	writeError(w, http.StatusForbidden, "forbidden", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}

	// Respondent route; the survey token in the body is the credential.
	if len(parts) == 4 && parts[1] == "surveys" && parts[3] == "responses" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleSubmit(w, r, parts[2])
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "orgs":
		if len(parts) < 3 {
			break
		}
		s.handleOrg(w, r, session, parts[2], parts[3:])
		return
	case "alerts":
		if len(parts) == 4 && r.Method == http.MethodPost {
			s.handleAlertAction(w, r, session, parts[2], parts[3])
			return
		}
	case "plans":
		s.handlePlans(w, r, session, parts[2:])
		return
	case "surveys":
		if len(parts) == 5 && parts[3] == "tokens" && parts[4] == "stats" {
			if r.Method != http.MethodGet {
				methodNotAllowed(w)
				return
			}
			stats, err := s.service.TokenStats(r.Context(), session, parts[2])
			if err != nil {
				s.fail(w, r, session, err)
				return
			}
			writeJSON(w, http.StatusOK, stats)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
}

func (s *HTTPServer) handleOrg(w http.ResponseWriter, r *http.Request, session Session, orgID string, rest []string) {
	ctx := r.Context()
	query := r.URL.Query()

	switch {
	case len(rest) == 1 && rest[0] == "trend":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		months, _ := strconv.Atoi(query.Get("months"))
		result, err := s.service.Trend(ctx, session, orgID, query.Get("team"), months)
		s.respond(w, r, session, result, err)
		return

	case len(rest) == 1 && rest[0] == "alerts":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		items, err := s.service.Alerts(ctx, session, orgID, parseStatuses(query.Get("status")))
		if err != nil {
			s.fail(w, r, session, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return

	case len(rest) == 1 && rest[0] == "privacy":
		switch r.Method {
		case http.MethodGet:
			settings, err := s.service.PrivacySettings(ctx, session, orgID)
			s.respond(w, r, session, settings, err)
		case http.MethodPut:
			var body store.PrivacySettings
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
				return
			}
			settings, err := s.service.UpdatePrivacy(ctx, session, orgID, body)
			s.respond(w, r, session, settings, err)
		default:
			methodNotAllowed(w)
		}
		return

	case len(rest) >= 3 && rest[0] == "surveys":
		s.handleSurveyView(w, r, session, orgID, rest[1], rest[2:])
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
}

func (s *HTTPServer) handleSurveyView(w http.ResponseWriter, r *http.Request, session Session, orgID, surveyID string, rest []string) {
	ctx := r.Context()
	query := r.URL.Query()

	if len(rest) == 2 && rest[0] == "export" && rest[1] == "validate" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body struct {
			TeamIDs []string `json:"team_ids"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
			return
		}
		check, err := s.service.ValidateExport(ctx, session, orgID, surveyID, body.TeamIDs)
		s.respond(w, r, session, check, err)
		return
	}

	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	switch rest[0] {
	case "kpis":
		result, err := s.service.KPIs(ctx, session, orgID, surveyID, query.Get("team"))
		s.respond(w, r, session, result, err)
	case "heatmap":
		result, err := s.service.Heatmap(ctx, session, orgID, surveyID)
		s.respond(w, r, session, result, err)
	case "themes":
		result, err := s.service.Themes(ctx, session, orgID, surveyID)
		s.respond(w, r, session, result, err)
	case "comments":
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		result, err := s.service.Comments(ctx, session, orgID, surveyID, CommentQuery{
			Text:      query.Get("q"),
			TeamID:    query.Get("team"),
			Sentiment: store.Sentiment(query.Get("sentiment")),
			Theme:     query.Get("theme"),
			Limit:     limit,
			Offset:    offset,
		})
		s.respond(w, r, session, result, err)
	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleAlertAction(w http.ResponseWriter, r *http.Request, session Session, alertID, action string) {
	var body struct {
		Note string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
		return
	}
	note := strings.TrimSpace(body.Note)

	var (
		alert AlertView
		err   error
	)
	switch action {
	case "acknowledge":
		alert, err = s.service.AcknowledgeAlert(r.Context(), session, alertID, note)
	case "resolve":
		alert, err = s.service.ResolveAlert(r.Context(), session, alertID, note)
	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}
	s.respond(w, r, session, alert, err)
}

func (s *HTTPServer) handlePlans(w http.ResponseWriter, r *http.Request, session Session, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body PlanInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
			return
		}
		plan, err := s.service.CreatePlan(r.Context(), session, body)
		if err != nil {
			s.fail(w, r, session, err)
			return
		}
		writeJSON(w, http.StatusCreated, plan)
		return
	}

	if len(rest) == 2 && r.Method == http.MethodPost {
		var (
			plan PlanView
			err  error
		)
		switch rest[1] {
		case "activate":
			plan, err = s.service.ActivatePlan(r.Context(), session, rest[0])
		case "deactivate":
			plan, err = s.service.DeactivatePlan(r.Context(), session, rest[0])
		default:
			writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
			return
		}
		s.respond(w, r, session, plan, err)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, surveyID string) {
	var body struct {
		Token    string                   `json:"token"`
		Scores   []responses.Score        `json:"scores"`
		Comments []responses.CommentInput `json:"comments"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid survey token", nil)
		return
	}
	receipt, err := s.service.Submit(r.Context(), responses.Request{
		Token:    strings.TrimSpace(body.Token),
		SurveyID: surveyID,
		Scores:   body.Scores,
		Comments: body.Comments,
		Device:   deviceFromRequest(r),
	})
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			slog.Error("response submission failed", "survey_id", surveyID, "error", err)
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// respond writes payload, or the mapped error.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, session Session, payload any, err error) {
	if err != nil {
		s.fail(w, r, session, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, session Session, err error) {
	if errors.Is(err, errForbidden) {
		s.forbid(w, r, session)
		return
	}
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "user_id", session.UserID, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "server_error", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		if s.observe != nil {
			s.observe(r.Method, writer.status, elapsed)
		}
		slog.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseStatuses(raw string) []store.AlertStatus {
	if raw == "" {
		return nil
	}
	var out []store.AlertStatus
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, store.AlertStatus(part))
		}
	}
	return out
}

// deviceFromRequest builds the throttling fingerprint input. The first
// X-Forwarded-For hop wins over the socket address.
func deviceFromRequest(r *http.Request) vault.Device {
	ip := ""
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	return vault.Device{
		IP:             ip,
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}
