package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bilibililivetools/livetts/backend/httpapi"
	"bilibililivetools/livetts/backend/service/bilibili"
	"bilibililivetools/livetts/backend/service/danmaku"
	"bilibililivetools/livetts/backend/service/reader"
)

// fail maps service errors onto the envelope.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reader.ErrNoRoom):
		httpapi.Error(w, -400, err.Error(), http.StatusBadRequest)
	case errors.Is(err, danmaku.ErrAlreadyConnected):
		httpapi.Error(w, -409, err.Error(), http.StatusConflict)
	case errors.Is(err, danmaku.ErrRoomResolve), errors.Is(err, danmaku.ErrNoGateway):
		httpapi.Error(w, -502, err.Error(), http.StatusBadGateway)
	case errors.Is(err, bilibili.ErrNoQRLogin):
		httpapi.Error(w, 1, err.Error(), http.StatusOK)
	default:
		httpapi.Error(w, -1, err.Error(), http.StatusOK)
	}
}

func parseIntOrDefault(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
