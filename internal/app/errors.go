package app

import (
	"errors"
	"fmt"
	"net/http"

	"novora/api/internal/alerts"
	"novora/api/internal/auth"
	"novora/api/internal/responses"
	"novora/api/internal/scheduler"
	"novora/api/internal/store"
	"novora/api/internal/vault"
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

var (
	errInsufficient = domainError(http.StatusUnprocessableEntity, "insufficient_responses", "Not enough responses to export safely", nil)
	errForbidden    = domainError(http.StatusForbidden, "forbidden", "Forbidden", nil)
	errNotFound     = domainError(http.StatusNotFound, "not_found", "Not found", nil)
)

func invalidInput(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "invalid_input", message, details)
}

// mapError converts a service error to its HTTP status and stable reason
// code. Anything unrecognised is a server_error and its text is not sent.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, vault.ErrInvalid):
		return http.StatusUnauthorized, "invalid_token", "Invalid survey token", nil
	case errors.Is(err, vault.ErrAlreadyUsed):
		return http.StatusConflict, "already_used", "Survey token already used", nil
	case errors.Is(err, vault.ErrSurveyInactive):
		return http.StatusConflict, "survey_inactive", "Survey is not open", nil
	case errors.Is(err, vault.ErrExpired):
		return http.StatusGone, "token_expired", "Survey token expired", nil
	case errors.Is(err, vault.ErrThrottledDevice), errors.Is(err, vault.ErrThrottledRate):
		return http.StatusTooManyRequests, "throttled", "Too many attempts", map[string]any{"reason": vault.Reason(err)}
	case errors.Is(err, responses.ErrEmpty),
		errors.Is(err, responses.ErrScoreOutOfRange),
		errors.Is(err, responses.ErrCommentTooLong),
		errors.Is(err, responses.ErrUnknownDriver),
		errors.Is(err, scheduler.ErrNoQuestionSets):
		return http.StatusBadRequest, "invalid_input", err.Error(), nil
	case errors.Is(err, alerts.ErrInvalidTransition):
		return http.StatusConflict, "invalid_input", err.Error(), nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "Not found", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "invalid_input", "Conflicts with existing data", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "unauthorized", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "server_error", "Server error", nil
}
