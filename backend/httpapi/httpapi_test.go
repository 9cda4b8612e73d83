package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		OK(w, "fine")
	})
}

func TestTokenRequired(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	handler := TokenRequired(func() string { return string(hashed) }, "/api/v1")(okHandler())

	cases := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{name: "health is open", target: "/api/v1/health", want: http.StatusOK},
		{name: "metrics outside api base", target: "/metrics", want: http.StatusOK},
		{name: "missing token", target: "/api/v1/room/status", want: http.StatusUnauthorized},
		{name: "wrong token", target: "/api/v1/room/status", header: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "bearer", target: "/api/v1/room/status", header: map[string]string{"Authorization": "Bearer secret"}, want: http.StatusOK},
		{name: "api key", target: "/api/v1/room/status", header: map[string]string{"X-API-Key": "secret"}, want: http.StatusOK},
		{name: "query token", target: "/api/v1/live/stream?token=secret", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestTokenRequiredOpenWithoutHash(t *testing.T) {
	handler := TokenRequired(func() string { return "" }, "/api/v1")(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/room/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHashTokenVerifies(t *testing.T) {
	hashed, err := HashToken(" secret ")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hashed), []byte("secret")))
}

func TestEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, -1, "boom", 0)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body Result[any]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, -1, body.Code)
	assert.Equal(t, "boom", body.Message)
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		RoomID int64 `json:"roomId"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"roomId":1234}`))
	require.NoError(t, DecodeJSON(req, &dst))
	assert.Equal(t, int64(1234), dst.RoomID)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.NoError(t, DecodeJSON(req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"other":1}`))
	assert.Error(t, DecodeJSON(req, &dst))
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS("*")(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/config", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
