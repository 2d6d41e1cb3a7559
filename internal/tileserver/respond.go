package tileserver

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mopinfish/geo-base-sub001/internal/apperr"
)

// errorBody is the single error envelope every endpoint uses.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound, apperr.KindTileNotFound:
		return http.StatusNotFound
	case apperr.KindUpstreamUnreachable, apperr.KindInvalidArchiveFormat:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Kind:    string(kind),
		Message: err.Error(),
		Hint:    apperr.HintOf(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}
