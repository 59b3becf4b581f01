package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"dockyard/internal/model"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForError maps a core error onto an HTTP status and error code.
func statusForError(err error) (int, string) {
	var coreErr *model.Error
	if !errors.As(err, &coreErr) {
		return http.StatusInternalServerError, "internal_error"
	}
	switch coreErr.Kind {
	case model.KindInvalidCommand, model.KindPathEscapesWorkspace:
		return http.StatusBadRequest, string(coreErr.Kind)
	case model.KindServiceUnavailable:
		return http.StatusServiceUnavailable, string(coreErr.Kind)
	case model.KindUnknownJob:
		return http.StatusNotFound, string(coreErr.Kind)
	case model.KindStaleRun:
		return http.StatusConflict, string(coreErr.Kind)
	default:
		return http.StatusInternalServerError, string(coreErr.Kind)
	}
}

func writeCoreError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeAPIError(w, status, code, err.Error())
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{
			Code:    strings.TrimSpace(code),
			Message: strings.TrimSpace(message),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(req *http.Request, out any) error {
	if req.Body == nil {
		return errors.New("request body is required")
	}
	defer req.Body.Close()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	return nil
}
