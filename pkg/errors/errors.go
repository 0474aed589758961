package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is reports whether target carries the same error code. Copies produced by
// WithInternal or WithMessage therefore still match their sentinel.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	var other *AppError
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a more specific message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "UNAUTHORIZED_ACTION",
		Message:    "You are not allowed to perform this action",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimit = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests, please slow down",
		StatusCode: http.StatusTooManyRequests,
	}
)

// Session coordination errors.
var (
	ErrSessionNotFound = &AppError{
		Code:       "SESSION_NOT_FOUND",
		Message:    "Session not found",
		StatusCode: http.StatusNotFound,
	}

	ErrParticipantNotFound = &AppError{
		Code:       "PARTICIPANT_NOT_FOUND",
		Message:    "Participant not found",
		StatusCode: http.StatusNotFound,
	}

	ErrValidation = &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
	}

	ErrEmptyName = &AppError{
		Code:       "EMPTY_NAME",
		Message:    "Name is required",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidSlotDuration = &AppError{
		Code:       "INVALID_SLOT_DURATION",
		Message:    "Slot duration is out of range",
		StatusCode: http.StatusBadRequest,
	}

	ErrAlreadySpoken = &AppError{
		Code:       "ALREADY_SPOKEN_THIS_ROUND",
		Message:    "Participant has already spoken this round",
		StatusCode: http.StatusConflict,
	}

	ErrNotAParticipant = &AppError{
		Code:       "NOT_A_PARTICIPANT",
		Message:    "User is not a participant of this session",
		StatusCode: http.StatusUnprocessableEntity,
	}

	ErrTransientStore = &AppError{
		Code:       "TRANSIENT_STORE_FAILURE",
		Message:    "The session is busy, please try again",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrSessionFinished = &AppError{
		Code:       "SESSION_FINISHED",
		Message:    "This meeting has ended",
		StatusCode: http.StatusConflict,
	}

	ErrInvalidTransition = &AppError{
		Code:       "INVALID_STATUS_TRANSITION",
		Message:    "The session cannot move to the requested status",
		StatusCode: http.StatusConflict,
	}

	ErrSpeakerActive = &AppError{
		Code:       "SPEAKER_ACTIVE",
		Message:    "Another participant is currently speaking",
		StatusCode: http.StatusConflict,
	}

	ErrAlreadyExists = &AppError{
		Code:       "ALREADY_EXISTS",
		Message:    "Resource already exists",
		StatusCode: http.StatusConflict,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}

// NewValidation reports a domain validation failure with a specific message.
func NewValidation(message string) *AppError {
	return ErrValidation.WithMessage(message)
}
