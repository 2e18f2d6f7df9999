package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antares/internal/auth"
)

func newRouter(t *testing.T, enabled bool) (*gin.Engine, *auth.Authenticator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	a, err := auth.NewAuthenticator(auth.Options{Enabled: enabled, Password: "pw", JWTSecret: "k"})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/private", RequireToken(a), func(c *gin.Context) {
		user := ""
		if claims := UserFromContext(c); claims != nil {
			user = claims.Username
		}
		c.String(http.StatusOK, user)
	})
	return r, a
}

func do(r http.Handler, target, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireToken_Disabled(t *testing.T) {
	r, _ := newRouter(t, false)
	w := do(r, "/private", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestRequireToken_Rejects(t *testing.T) {
	r, _ := newRouter(t, true)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"missing", "", "missing authorization header"},
		{"wrong scheme", "Basic abc", "invalid authorization header format"},
		{"garbage token", "Bearer abc", "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, "/private", tt.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestRequireToken_Accepts(t *testing.T) {
	r, a := newRouter(t, true)
	token, _, err := a.Authenticate("admin", "pw")
	require.NoError(t, err)

	w := do(r, "/private", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", w.Body.String())

	w = do(r, "/private?token="+token, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDHeader)) })

	w := do(r, "/", "")
	generated := w.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))
}
