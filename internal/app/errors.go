package app

import (
	"errors"
	"fmt"
	"net/http"

	"pagesync/internal/room"
	"pagesync/internal/store"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeInvalidBody        = "INVALID_BODY"
	CodeInvalidVersionID   = "INVALID_VERSION_ID"
	CodeNotFound           = "NOT_FOUND"
	CodeVersionNotFound    = "VERSION_NOT_FOUND"
	CodeRoomTokensDisabled = "ROOM_TOKENS_DISABLED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServerError        = "SERVER_ERROR"
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

func invalidInput(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, nil)
}

// validationError turns a rejected room identifier into a 422.
func validationError(err error) error {
	if errors.Is(err, room.ErrInvalidName) {
		return invalidInput(err.Error())
	}
	return err
}

func versionLookupError(err error, versionID int64) error {
	if store.IsNotFound(err) {
		return domainError(http.StatusNotFound, CodeVersionNotFound, fmt.Sprintf("Version %d not found", versionID), nil)
	}
	return err
}
