package services

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeActionFailed        = "ACTION_FAILED"
	ErrCodeActionUnsupported   = "ACTION_UNSUPPORTED"
	ErrCodeActionInvalidConfig = "ACTION_INVALID_CONFIG"
	ErrCodeJobBusy             = "JOB_BUSY"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidation          = "VALIDATION_FAILED"
)

var (
	ErrJobBusy = apperrors.New("job already running", apperrors.CategoryConflict).
			WithTextCode(ErrCodeJobBusy)
	ErrNotFound = apperrors.New("record not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	ErrValidation = apperrors.New("validation failed", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	errActionFailed = apperrors.New("action failed", apperrors.CategoryExternal).
			WithTextCode(ErrCodeActionFailed)
	errActionUnsupported = apperrors.New("unsupported action type", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeActionUnsupported)
	errActionInvalidConfig = apperrors.New("invalid action config", apperrors.CategoryValidation).
				WithTextCode(ErrCodeActionInvalidConfig)
)

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of a typed engine error, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

func IsJobBusy(err error) bool    { return ErrorCode(err) == ErrCodeJobBusy }
func IsNotFound(err error) bool   { return ErrorCode(err) == ErrCodeNotFound }
func IsValidation(err error) bool { return ErrorCode(err) == ErrCodeValidation }

// ActionError is the typed failure of one action: message plus action type.
type ActionError struct {
	Type string
	Err  *apperrors.Error
}

func (e *ActionError) Error() string {
	return e.Type + ": " + e.Err.Message
}

func (e *ActionError) Unwrap() error { return e.Err }

func newActionError(actionType string, base *apperrors.Error, message string, source error) *ActionError {
	return &ActionError{
		Type: actionType,
		Err:  cloneError(base, message, source, map[string]any{"action_type": actionType}),
	}
}

func notFoundError(what string) error {
	return cloneError(ErrNotFound, what+" not found", nil, nil)
}

func validationError(message string, source error) error {
	return cloneError(ErrValidation, message, source, nil)
}
