package middleware

import (
	"encoding/json"
	"net/http"
)

// writeEnvelopeError 以与 API 相同的 {success, message} 结构返回错误。
func writeEnvelopeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}{Success: false, Message: message})
}
