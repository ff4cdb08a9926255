package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/sheet-vault/internal/diff"
	"github.com/sheet-vault/internal/lock"
	"github.com/sheet-vault/internal/store"
	"github.com/sheet-vault/internal/versioning"
)

const (
	actorHeader    = "X-Actor"
	maxUploadBytes = 64 << 20
)

// APIError represents an error response
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.WithError(err).Error("Error encoding JSON response")
		}
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, APIError{Error: http.StatusText(status), Message: message})
}

// respondFailure maps a domain error to its HTTP status
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		s.respondError(w, status, "Internal error")
		return
	}
	s.respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, versioning.ErrInvalidFormat),
		errors.Is(err, versioning.ErrInvalidRequest),
		errors.Is(err, diff.ErrInvalidInput),
		errors.Is(err, lock.ErrInvalidHolder):
		return http.StatusBadRequest
	case errors.Is(err, versioning.ErrDocumentNotFound),
		errors.Is(err, versioning.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, versioning.ErrDuplicateVersion),
		errors.Is(err, lock.ErrLockConflict),
		errors.Is(err, lock.ErrLeaseLost):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// actor identifies the caller from the X-Actor header or an "actor" form field
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(actorHeader)); a != "" {
		return a
	}
	return strings.TrimSpace(r.FormValue("actor"))
}

func versionParam(r *http.Request, name string) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid version number %q", chi.URLParam(r, name))
	}
	return n, nil
}

// readUpload returns the bytes and name of the multipart "file" field
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, "", fmt.Errorf("invalid multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("file is required: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
	return data, header.Filename, nil
}

// handleHealth returns the health status of the service
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// handleListDocuments returns tracked documents, optionally for one project
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.versions.ListDocuments(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	s.respondJSON(w, http.StatusOK, docs)
}

// handleUpload creates a document from a multipart upload
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, filename, err := readUpload(w, r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := s.versions.Upload(r.Context(), versioning.UploadRequest{
		Filename:  filename,
		Data:      data,
		ProjectID: r.FormValue("project"),
		Actor:     actor(r),
	})
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, doc)
}

// handleGetDocument returns a single document
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.versions.GetDocument(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, doc)
}

// handleListVersions returns a document's history, newest first
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.versions.GetVersionHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if versions == nil {
		versions = []store.Version{}
	}
	s.respondJSON(w, http.StatusOK, versions)
}

// handleCreateVersion appends an uploaded file as the next version
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	data, filename, err := readUpload(w, r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.versions.CreateVersionLocked(r.Context(), versioning.CreateVersionRequest{
		DocumentID: chi.URLParam(r, "id"),
		Data:       data,
		Actor:      actor(r),
		Summary:    r.FormValue("summary"),
		Filename:   filename,
	})
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, res)
}

// handleGetVersion returns one version record
func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	n, err := versionParam(r, "n")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.versions.GetVersion(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, v)
}

// handleDownload streams the exact bytes of a version
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := versionParam(r, "n")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := s.versions.GetVersion(r.Context(), id, n)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	data, err := s.versions.DownloadVersion(r.Context(), id, n)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	filename := path.Base(v.StorageKey)
	w.Header().Set("Content-Type", contentType(filename))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("v%d_%s", n, filename)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.WithError(err).Warn("Error writing download")
	}
}

func contentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	case ".tsv":
		return "text/tab-separated-values"
	}
	return "application/octet-stream"
}

// handleListChanges returns stored cell changes of a version, filterable by
// row, column and type
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	n, err := versionParam(r, "n")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	filter := store.ChangeFilter{Column: q.Get("column")}
	if raw := q.Get("row"); raw != "" {
		row, err := strconv.Atoi(raw)
		if err != nil || row < 0 {
			s.respondError(w, http.StatusBadRequest, "Invalid row")
			return
		}
		filter.Row = &row
	}
	if raw := q.Get("type"); raw != "" {
		filter.Type = store.ChangeType(raw)
		if !filter.Type.Valid() {
			s.respondError(w, http.StatusBadRequest, "Invalid change type")
			return
		}
	}

	changes, err := s.versions.ListChanges(r.Context(), chi.URLParam(r, "id"), n, filter)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if changes == nil {
		changes = []store.CellChange{}
	}
	s.respondJSON(w, http.StatusOK, changes)
}

// handleDiff compares two versions cell by cell, or as unified text with
// ?format=unified
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v1, err := versionParam(r, "v1")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	v2, err := versionParam(r, "v2")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "unified" {
		text, err := s.versions.GetTextDiff(r.Context(), id, v1, v2)
		if err != nil {
			s.respondFailure(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, text)
		return
	}

	var critical []string
	if raw, ok := r.URL.Query()["critical"]; ok {
		critical = []string{}
		for _, part := range strings.Split(strings.Join(raw, ","), ",") {
			if part = strings.TrimSpace(part); part != "" {
				critical = append(critical, part)
			}
		}
	}

	res, err := s.versions.GetDiff(r.Context(), id, v1, v2, critical)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleRestore records an earlier version as the newest one
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	n, err := versionParam(r, "n")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.versions.Restore(r.Context(), chi.URLParam(r, "id"), n, actor(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"document": chi.URLParam(r, "id"),
		"from":     n,
		"version":  res.Version.Number,
	}).Info("Restored version")
	s.respondJSON(w, http.StatusCreated, res)
}

type lockResponse struct {
	Granted  *bool            `json:"granted,omitempty"`
	Renewed  *bool            `json:"renewed,omitempty"`
	Released *bool            `json:"released,omitempty"`
	Locked   bool             `json:"locked"`
	Lock     *store.LockState `json:"lock,omitempty"`
}

func (s *Server) lockState(w http.ResponseWriter, r *http.Request) (*lockResponse, bool) {
	state, err := s.locks.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFailure(w, r, err)
		return nil, false
	}
	return &lockResponse{Locked: state != nil, Lock: state}, true
}

// handleLockStatus reports the live lock on a document
func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := s.versions.GetDocument(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	resp, ok := s.lockState(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleAcquireLock takes the lock for the caller; 409 when someone else holds it
func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	granted, err := s.locks.Acquire(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	resp, ok := s.lockState(w, r)
	if !ok {
		return
	}
	resp.Granted = &granted

	status := http.StatusOK
	if !granted {
		status = http.StatusConflict
	}
	s.respondJSON(w, status, resp)
}

// handleRenewLock extends the caller's lease
func (s *Server) handleRenewLock(w http.ResponseWriter, r *http.Request) {
	renewed, err := s.locks.Renew(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	resp, ok := s.lockState(w, r)
	if !ok {
		return
	}
	resp.Renewed = &renewed

	status := http.StatusOK
	if !renewed {
		status = http.StatusConflict
	}
	s.respondJSON(w, status, resp)
}

// handleReleaseLock drops the caller's lock. Releasing a lock the caller
// does not hold reports released=false.
func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	released, err := s.locks.Release(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	resp, ok := s.lockState(w, r)
	if !ok {
		return
	}
	resp.Released = &released
	s.respondJSON(w, http.StatusOK, resp)
}
