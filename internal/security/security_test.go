package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if csp := w.Header().Get("Content-Security-Policy"); csp == "" {
		t.Error("Missing Content-Security-Policy")
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(origins []string) *gin.Engine {
		router := gin.New()
		router.Use(CORSMiddleware(origins))
		router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
		return router
	}

	// Wildcard allows any origin but never sets credentials.
	router := newRouter([]string{"*"})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://wallet.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://wallet.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("Wildcard origins must not allow credentials")
	}

	// Explicit allowlist rejects other origins.
	router = newRouter([]string{"https://wallet.example.com"})
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("Disallowed origin should not get CORS headers")
	}

	// Preflight short-circuits with 204.
	req = httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://wallet.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("Preflight = %d, want 204", w.Code)
	}
}

func TestValidateEndpointURL(t *testing.T) {
	valid := []string{
		"https://203.0.113.10/hook",
		"http://8.8.8.8/webhook",
	}
	for _, u := range valid {
		if err := ValidateEndpointURL(u); err != nil {
			t.Errorf("%q should be valid: %v", u, err)
		}
	}

	invalid := []string{
		"",
		"not a url",
		"ftp://example.com/hook",
		"https:///nohost",
		"http://localhost/hook",
		"http://127.0.0.1:8080/hook",
		"http://10.0.0.5/hook",
		"http://192.168.1.1/hook",
		"http://172.16.0.1/hook",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/hook",
		"http://[::1]/hook",
		"http://metadata.google.internal/computeMetadata",
	}
	for _, u := range invalid {
		if err := ValidateEndpointURL(u); err == nil {
			t.Errorf("%q should be rejected", u)
		}
	}
}
