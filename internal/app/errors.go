package app

import (
	"errors"
	"fmt"
	"net/http"

	"tablestage/internal/datastore"
	"tablestage/internal/export"
	"tablestage/internal/history"
	"tablestage/internal/host"
	"tablestage/internal/persist"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var writeErr *persist.WriteError
	if errors.As(err, &writeErr) {
		return http.StatusBadGateway, "WRITE_FAILED", "Saving to the conversation failed", map[string]any{"floor": writeErr.Floor}
	}
	switch {
	case errors.Is(err, datastore.ErrUnknownSheet), errors.Is(err, datastore.ErrUnknownRow), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, datastore.ErrInvalidCell), errors.Is(err, datastore.ErrSnapshotMismatch), errors.Is(err, persist.ErrInvalidRange):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil
	case errors.Is(err, datastore.ErrNoData), errors.Is(err, export.ErrNoTables):
		return http.StatusConflict, "NO_DATA", "No table data", nil
	case errors.Is(err, persist.ErrCommitInFlight):
		return http.StatusConflict, "COMMIT_IN_FLIGHT", "A save is already in progress", nil
	case errors.Is(err, persist.ErrNoTarget), errors.Is(err, persist.ErrNoChat):
		return http.StatusUnprocessableEntity, "NO_TARGET", "No conversation entry can hold the tables", nil
	case errors.Is(err, datastore.ErrNoHistory), errors.Is(err, host.ErrUnsupported):
		return http.StatusNotImplemented, "UNSUPPORTED", "Not supported by this host", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
