package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"pagesync/internal/auth"
	"pagesync/internal/storage"
	"pagesync/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	router.HandleFunc("/projects/{projectId}", s.handleGetProject).Methods(http.MethodGet)
	router.HandleFunc("/projects/{projectId}", s.handlePutProject).Methods(http.MethodPut)
	router.HandleFunc("/projects/{projectId}/pages", s.handleImportPages).Methods(http.MethodPost)
	router.HandleFunc("/projects/{projectId}/page/{entryId}", s.handleSavePage).Methods(http.MethodPut)
	router.HandleFunc("/projects/{projectId}/page/{entryId}/versions", s.handleListVersions).Methods(http.MethodGet)
	router.HandleFunc("/projects/{projectId}/page/{entryId}/versions/{versionId:[0-9]+}", s.handleGetVersion).Methods(http.MethodGet)

	// Called by the relay and by trusted backends only.
	internal := router.NewRoute().Subrouter()
	internal.Use(s.requireSyncToken)
	internal.HandleFunc("/projects/{projectId}/page/{entryId}/versions", s.handleCreateVersion).Methods(http.MethodPost)
	internal.HandleFunc("/projects/{projectId}/page/{entryId}/versions/{versionId:[0-9]+}/revert", s.handleRevertVersion).Methods(http.MethodPost)
	internal.HandleFunc("/projects/{projectId}/room-token", s.handleRoomToken).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed", nil)
	})
	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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
}

func (s *HTTPServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetProject(r.Context(), mux.Vars(r)["projectId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handlePutProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	project, err := s.service.PutProject(r.Context(), mux.Vars(r)["projectId"], body.Name)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *HTTPServer) handleImportPages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pages []ImportPageInput `json:"pages"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	projectID := mux.Vars(r)["projectId"]
	if err := s.service.ImportPages(r.Context(), projectID, body.Pages); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	view, err := s.service.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSavePage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content *string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	if body.Content == nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "content is required", nil)
		return
	}
	vars := mux.Vars(r)
	if err := s.service.SavePage(r.Context(), vars["projectId"], vars["entryId"], *body.Content); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	versions, err := s.service.ListVersions(r.Context(), vars["projectId"], vars["entryId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	versionID, ok := parseVersionID(w, vars["versionId"])
	if !ok {
		return
	}
	version, err := s.service.GetVersion(r.Context(), vars["projectId"], vars["entryId"], versionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *HTTPServer) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		VersionName string `json:"version_name"`
		Content     string `json:"content"`
		Author      string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	version, err := s.service.CreateVersion(r.Context(), vars["projectId"], vars["entryId"], body.VersionName, body.Content, body.Author)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleRevertVersion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewVersionName string `json:"new_version_name"`
		Author         string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	versionID, ok := parseVersionID(w, vars["versionId"])
	if !ok {
		return
	}
	version, err := s.service.RevertVersion(r.Context(), vars["projectId"], vars["entryId"], versionID, body.NewVersionName, body.Author)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleRoomToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidBody, err.Error(), nil)
		return
	}
	token, err := s.service.IssueRoomToken(r.Context(), mux.Vars(r)["projectId"], body.UserID, body.UserName)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *HTTPServer) requireSyncToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.service.SyncToken()
		if expected != "" {
			syncToken := strings.TrimSpace(r.Header.Get(storage.SyncTokenHeader))
			if syncToken != expected {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		// Preflights are answered here so routing only sees real methods.
		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+storage.SyncTokenHeader)
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

func parseVersionID(w http.ResponseWriter, raw string) (int64, bool) {
	versionID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || versionID <= 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidVersionID, "version id must be a positive integer", nil)
		return 0, false
	}
	return versionID, true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, CodeServerError, "Server error", nil
}
