package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"teleconsult-server/internal/config"
	"teleconsult-server/internal/models"
	"teleconsult-server/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimiterPerClient(t *testing.T) {
	router := gin.New()
	router.Use(NewRateLimiter(0.001, 2).Limit())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2"), "budgets are per IP")
}

func TestAuthMiddleware(t *testing.T) {
	cfg := &config.Config{JWTSecret: "secret"}
	router := gin.New()
	router.GET("/me", AuthMiddleware(cfg), RoleAuthMiddleware(models.RoleDoctor), func(c *gin.Context) {
		actor, ok := ActorFromContext(c)
		assert.True(t, ok)
		c.String(http.StatusOK, actor.ID)
	})

	call := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	doctor, _ := utils.GenerateToken("doc-1", "doctor", "secret", time.Hour)
	patient, _ := utils.GenerateToken("pat-1", "patient", "secret", time.Hour)
	unknown, _ := utils.GenerateToken("x", "janitor", "secret", time.Hour)

	w := call("Bearer " + doctor)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "doc-1", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("Token "+doctor).Code)
	assert.Equal(t, http.StatusUnauthorized, call("Bearer garbage").Code)
	assert.Equal(t, http.StatusForbidden, call("Bearer "+patient).Code)
	assert.Equal(t, http.StatusForbidden, call("Bearer "+unknown).Code)
}
