package httpapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"
)

// Result is the {code, message, data} envelope every API route answers with.
type Result[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data,omitempty"`
}

var logger atomic.Pointer[zap.SugaredLogger]

// SetLogger sets the logger used for encode failures and request logs.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger.Store(l)
	}
}

func log() *zap.SugaredLogger {
	if l := logger.Load(); l != nil {
		return l
	}
	return zap.NewNop().Sugar()
}

func OK[T any](w http.ResponseWriter, data T) {
	writeJSON(w, http.StatusOK, Result[T]{
		Code:    0,
		Message: "Success",
		Data:    data,
	})
}

func OKMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, Result[any]{
		Code:    0,
		Message: message,
	})
}

func Error(w http.ResponseWriter, code int, message string, status int) {
	if status <= 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, Result[any]{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log().Warnf("writeJSON encode error: %v", err)
	}
}
