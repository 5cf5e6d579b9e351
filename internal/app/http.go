package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"tablestage/internal/host/filehost"
	"tablestage/internal/locks"
	"tablestage/internal/persist"
	"tablestage/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        logrus.FieldLogger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        service.log.WithField("component", "http"),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNoContent, map[string]any{})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/state", s.handleState)
		r.Get("/tables", s.handleTables)
		r.Get("/diff", s.handleDiff)
		r.Post("/tables/{sheetKey}/rows", s.handleInsertRow)
		r.Put("/tables/{sheetKey}/rows/{row}/cells/{col}", s.handleUpdateCell)
		r.Post("/tables/{sheetKey}/rows/{row}/delete", s.handleToggleDelete)
		r.Post("/undo", s.handleUndo)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/commit", s.handleCommit)
		r.Post("/purge", s.handlePurge)
		r.Get("/commits", s.handleCommits)
		r.Get("/locks", s.handleListLocks)
		r.Post("/locks", s.handleLock)
		r.Delete("/locks", s.handleUnlock)
		r.Get("/history", s.handleHistory)
		r.Post("/history/restore", s.handleRestore)
		r.Get("/integrity", s.handleIntegrity)
		r.Get("/search", s.handleSearch)
		r.Get("/export.xlsx", s.handleExport)
		r.Get("/events", s.service.ServeEvents)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"history": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["history"] = map[string]any{
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

func (s *HTTPServer) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.State())
}

func (s *HTTPServer) handleTables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tables": s.service.Tables()})
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Diff())
}

func (s *HTTPServer) handleUpdateCell(w http.ResponseWriter, r *http.Request) {
	row, err1 := strconv.Atoi(chi.URLParam(r, "row"))
	col, err2 := strconv.Atoi(chi.URLParam(r, "col"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "row and col must be integers", nil)
		return
	}
	var body struct {
		Value *string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Value == nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "value is required", nil)
		return
	}
	if err := s.service.UpdateCell(r.Context(), chi.URLParam(r, "sheetKey"), row, col, *body.Value); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Diff())
}

func (s *HTTPServer) handleInsertRow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cells []string `json:"cells"`
		At    *int     `json:"at"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rowKey, err := s.service.InsertRow(r.Context(), chi.URLParam(r, "sheetKey"), body.At, body.Cells)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"rowKey": rowKey})
}

func (s *HTTPServer) handleToggleDelete(w http.ResponseWriter, r *http.Request) {
	row, err := strconv.Atoi(chi.URLParam(r, "row"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "row must be an integer", nil)
		return
	}
	rowKey, pending, err := s.service.ToggleDelete(r.Context(), chi.URLParam(r, "sheetKey"), row)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rowKey": rowKey, "pending": pending})
}

func (s *HTTPServer) handleUndo(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Undo(r.Context()); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Diff())
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Refresh(r.Context()); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.State())
}

func (s *HTTPServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CommitDeletes bool `json:"commitDeletes"`
		SkipNotify    bool `json:"skipNotify"`
		TargetFloor   *int `json:"targetFloor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.Commit(r.Context(), persist.CommitOptions{
		CommitDeletes: body.CommitDeletes,
		SkipNotify:    body.SkipNotify,
		TargetFloor:   body.TargetFloor,
	})
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Start json.Number `json:"start"`
		End   json.Number `json:"end"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	start, end, err := persist.ParseRange(body.Start.String(), body.End.String())
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	result, err := s.service.Purge(r.Context(), start, end)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCommits(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	commits, err := s.service.Commits(limit)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	if commits == nil {
		commits = []filehost.Commit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

type lockBody struct {
	SheetKey string `json:"sheetKey"`
	Row      *int   `json:"row"`
	Col      *int   `json:"col"`
}

func (b lockBody) ref() (locks.Ref, error) {
	if b.SheetKey == "" || b.Row == nil {
		return locks.Ref{}, domainError(http.StatusBadRequest, "INVALID_BODY", "sheetKey and row are required", nil)
	}
	if b.Col == nil || *b.Col < 0 {
		return locks.RowRef(b.SheetKey, *b.Row), nil
	}
	return locks.CellRef(b.SheetKey, *b.Row, *b.Col), nil
}

func (s *HTTPServer) handleListLocks(w http.ResponseWriter, r *http.Request) {
	entries := s.service.Locks(r.Context())
	if entries == nil {
		entries = []locks.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": entries})
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ref, err := body.ref()
	if err == nil {
		err = s.service.Lock(r.Context(), ref)
	}
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"locked": ref})
}

func (s *HTTPServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ref, err := body.ref()
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	s.service.Unlock(r.Context(), ref)
	writeJSON(w, http.StatusOK, map[string]any{"unlocked": ref})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	rowKey := r.URL.Query().Get("rowKey")
	if rowKey == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "rowKey is required", nil)
		return
	}
	versions, err := s.service.RowHistory(r.Context(), rowKey)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rowKey": rowKey, "snapshots": versions})
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RowKey     string `json:"rowKey"`
		SnapshotID string `json:"snapshotId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.RowKey == "" || body.SnapshotID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "rowKey and snapshotId are required", nil)
		return
	}
	if err := s.service.RestoreRow(r.Context(), body.RowKey, body.SnapshotID); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Diff())
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Integrity())
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	writeJSON(w, http.StatusOK, s.service.Search(search.Query{
		Text:     q.Get("q"),
		SheetKey: q.Get("sheet"),
		Limit:    limit,
	}))
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, _ *http.Request) {
	result, err := s.service.Export()
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeError(w, status, code, message, details)
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

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
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

// Hijack lets the event stream upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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
