package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentsmithy/agentsmithy/pkg/agenterrors"
)

// writeJSON renders a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeDetail renders the stable {"detail": ...} failure body.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// statusForCode maps the error taxonomy to HTTP statuses.
func statusForCode(code agenterrors.Code) int {
	switch code {
	case agenterrors.CodeValidation:
		return http.StatusBadRequest
	case agenterrors.CodeNotFound:
		return http.StatusNotFound
	case agenterrors.CodePermission:
		return http.StatusForbidden
	case agenterrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a coded error onto the failure body.
func writeError(w http.ResponseWriter, err error) {
	var coded *agenterrors.Error
	if errors.As(err, &coded) {
		writeDetail(w, statusForCode(coded.Code), coded.Message)
		return
	}
	writeDetail(w, http.StatusInternalServerError, err.Error())
}
