package api

import (
	"encoding/json"
	"net/http"

	"jutjub/internal/apperr"

	"go.uber.org/zap"
)

// envelope 是所有 JSON 响应的统一结构。
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

// writeError 按错误类别选择状态码，只向调用方输出公开信息。
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("kind", string(kind)), zap.Error(err))
	}
	writeJSON(w, status, envelope{Success: false, Message: apperr.PublicMessage(err)})
}
