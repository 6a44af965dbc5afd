package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRequestIDGenerated(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	w := perform(r, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get("X-Request-ID")
	_, err := uuid.Parse(id)
	assert.NoError(t, err, "generated request ID should be a UUID")
	assert.Equal(t, id, w.Body.String(), "context and header should carry the same ID")
}

func TestRequestIDHonorsInbound(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-42")
	w := perform(r, req)

	assert.Equal(t, "upstream-42", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "upstream-42", w.Body.String())
}

func TestAbortBody(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/plain", func(c *gin.Context) {
		Abort(c, http.StatusTeapot, "TEAPOT", "short and stout")
	})
	r.GET("/detailed", func(c *gin.Context) {
		AbortWithDetails(c, http.StatusBadRequest, "VALIDATION_ERROR", "bad input", gin.H{"field": "name"})
	})

	w := perform(r, httptest.NewRequest(http.MethodGet, "/plain", nil))
	require.Equal(t, http.StatusTeapot, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "short and stout", body.Error)
	assert.Equal(t, "TEAPOT", body.Code)
	assert.NotEmpty(t, body.RequestID)
	assert.WithinDuration(t, time.Now().UTC(), body.Timestamp, 5*time.Second)
	assert.Nil(t, body.Details)

	w = perform(r, httptest.NewRequest(http.MethodGet, "/detailed", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	body = decodeError(t, w)
	details, ok := body.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "name", details["field"])
}

func TestRecoveryAnswersInternalError(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	w := perform(r, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "INTERNAL_ERROR", body.Code)
	assert.NotContains(t, body.Error, "kaboom", "panic values must not leak to clients")
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com", "http://localhost:3000/"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name       string
		origin     string
		wantOrigin string
	}{
		{"allowed origin", "https://app.example.com", "https://app.example.com"},
		{"trailing slash normalized", "http://localhost:3000", "http://localhost:3000"},
		{"unknown origin", "https://evil.example.com", ""},
		{"no origin header", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := perform(r, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "Origin", w.Header().Get("Vary"))
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
				assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	handlerRan := false
	r.Use(CORS([]string{"https://app.example.com"}))
	r.OPTIONS("/api/agents", func(c *gin.Context) { handlerRan = true })

	req := httptest.NewRequest(http.MethodOptions, "/api/agents", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := perform(r, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, handlerRan, "preflight should stop at the middleware")
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.POST("/api/auth/login", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/agents", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := perform(r, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"), "auth responses must not be cached")

	w = perform(r, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("Cache-Control"))
}

func TestRateLimitPerIP(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), RateLimit(NewIPRateLimiter(rate.Every(time.Hour), 2)))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	request := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		return perform(r, req)
	}

	assert.Equal(t, http.StatusOK, request("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, request("10.0.0.1").Code)

	w := request("10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, w).Code)

	assert.Equal(t, http.StatusOK, request("10.0.0.2").Code, "buckets are per IP")
}

func TestAuthRateLimitBurst(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), AuthRateLimit())
	r.POST("/login", func(c *gin.Context) { c.Status(http.StatusOK) })

	var last int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "10.1.1.1:9999"
		last = perform(r, req).Code
		if i < 5 {
			assert.Equal(t, http.StatusOK, last, "attempt %d should pass", i+1)
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last, "sixth attempt should be limited")
}

func TestTimeout(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Timeout(30*time.Millisecond))
	r.GET("/slow", func(c *gin.Context) {
		select {
		case <-c.Request.Context().Done():
			return
		case <-time.After(300 * time.Millisecond):
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	})
	r.GET("/fast", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := perform(r, httptest.NewRequest(http.MethodGet, "/slow", nil))
	require.Equal(t, http.StatusRequestTimeout, w.Code)
	assert.Equal(t, "REQUEST_TIMEOUT", decodeError(t, w).Code)

	w = perform(r, httptest.NewRequest(http.MethodGet, "/fast", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIPRateLimiterIsolation(t *testing.T) {
	l := NewIPRateLimiter(rate.Every(time.Hour), 1)

	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))
}
