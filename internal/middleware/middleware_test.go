package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := PrincipalFrom(r.Context()); ok {
			w.Header().Set("X-Subject", p.Subject)
			w.Header().Set("X-Method", p.Method)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuthenticator(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{APIKeys: []string{" key-1 "}, JWTSecret: "s3cret"}, nil)
	require.NoError(t, err)
	defer auth.Close()

	valid := signHS256(t, "s3cret", jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(time.Hour).Unix()})
	expired := signHS256(t, "s3cret", jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey := signHS256(t, "other", jwt.MapClaims{"sub": "user-42", "exp": time.Now().Add(time.Hour).Unix()})
	noExp := signHS256(t, "s3cret", jwt.MapClaims{"sub": "user-42"})

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantMethod string
	}{
		{name: "missing", header: "", wantStatus: http.StatusUnauthorized},
		{name: "api key", header: "ApiKey key-1", wantStatus: http.StatusOK, wantMethod: "api_key"},
		{name: "wrong api key", header: "ApiKey nope", wantStatus: http.StatusUnauthorized},
		{name: "bearer", header: "Bearer " + valid, wantStatus: http.StatusOK, wantMethod: "jwt"},
		{name: "expired", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + wrongKey, wantStatus: http.StatusUnauthorized},
		{name: "no exp", header: "Bearer " + noExp, wantStatus: http.StatusUnauthorized},
		{name: "unknown scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			auth.Middleware(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, tt.wantMethod, rec.Header().Get("X-Method"))
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestNewAuthenticator_RequiresCredentials(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{}, nil)
	assert.Error(t, err)
}

func TestLimitByIP(t *testing.T) {
	h := LimitByIP(2, time.Minute, "rate limit exceeded")(okHandler())

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:2000").Code)

	rec := send("10.0.0.1:3000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "rate limit exceeded", body["message"])

	// 不同 IP 单独计数
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000").Code)
}

func TestLimitByIP_Disabled(t *testing.T) {
	for _, h := range []http.Handler{
		LimitByIP(0, time.Minute, "x")(okHandler()),
		LimitByIP(5, 0, "x")(okHandler()),
	} {
		for i := 0; i < 10; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			require.Equal(t, http.StatusOK, rec.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{
		AllowedOrigins:   []string{"http://Localhost:4200"},
		AllowCredentials: true,
		MaxAge:           10 * time.Minute,
	})(okHandler())

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/video-posts/", nil)
		req.Header.Set("Origin", "http://localhost:4200")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://localhost:4200", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("plain options reaches handler", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "http://localhost:4200")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("simple request exposes headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "http://localhost:4200")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Content-Range")
		assert.Contains(t, rec.Header().Values("Vary"), "Origin")
	})

	t.Run("unknown origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "http://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestCORS_Wildcard(t *testing.T) {
	h := CORS(CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedHeaders:   []string{"X-Custom"},
		AllowCredentials: true,
	})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "X-Custom", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Empty(t, rec.Header().Get("Access-Control-Max-Age"))
}

func TestRecoverer(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	h := Recoverer(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := RequestLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, int64(http.StatusNotFound), entries[0].ContextMap()["status"])
}

func TestMetricsWithoutRouteContext(t *testing.T) {
	rec := httptest.NewRecorder()
	Metrics()(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
