package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testParams = argonParams{memory: 1024, iterations: 1, parallelism: 1, saltLength: 16, keyLength: 32}

func newTestService(t *testing.T) (*AuthService, string) {
	t.Helper()

	hash, err := hashWith(testParams, "s3cret")
	require.NoError(t, err)

	token, id, tokenHash, err := GenerateMachineToken()
	require.NoError(t, err)

	cfg := config.AuthConfig{
		Enabled:         true,
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Users: []config.UserConfig{
			{Username: "tech", PasswordHash: hash, Role: "technician"},
		},
		MachineTokens: []config.MachineTokenConfig{
			{Name: "line-controller", TokenID: id, Hash: tokenHash, Permissions: []string{"operator"}},
		},
	}
	return NewAuthService(cfg, zaptest.NewLogger(t)), token
}

func TestPassword(t *testing.T) {
	hash, err := hashWith(testParams, "correct horse")
	require.NoError(t, err)

	ok, err := VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("battery staple", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("x", "$bcrypt$whatever")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestLoginAndRefresh(t *testing.T) {
	svc, _ := newTestService(t)

	access, refresh, err := svc.LoginUser("tech", "s3cret", "127.0.0.1")
	require.NoError(t, err)

	perms, err := svc.ValidateToken(access, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermOperator, PermTechnician}, perms)

	_, newRefresh, err := svc.RefreshAccessToken(refresh)
	require.NoError(t, err)
	assert.NotEqual(t, refresh, newRefresh)

	_, _, err = svc.RefreshAccessToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken, "refresh tokens are single use")

	svc.RevokeRefreshToken(newRefresh)
	_, _, err = svc.RefreshAccessToken(newRefresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLoginLockout(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	_, _, err := svc.LoginUser("nobody", "s3cret", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	for i := 0; i < maxFailedLogins; i++ {
		_, _, err = svc.LoginUser("tech", "wrong", "")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, _, err = svc.LoginUser("tech", "s3cret", "")
	assert.ErrorIs(t, err, ErrAccountLocked)

	now = now.Add(lockoutDuration + time.Second)
	_, _, err = svc.LoginUser("tech", "s3cret", "")
	assert.NoError(t, err)
}

func TestMachineToken(t *testing.T) {
	svc, token := newTestService(t)

	perms, err := svc.ValidateMachineToken(token, "")
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermOperator}, perms)

	forged, _, _, err := GenerateMachineToken()
	require.NoError(t, err)
	_, err = svc.ValidateMachineToken(forged, "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateMachineToken("odc_short", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, token := newTestService(t)

	router := gin.New()
	group := router.Group("/", svc.AuthMiddleware())
	group.GET("/status", RequirePermission(PermOperator), func(c *gin.Context) { c.Status(http.StatusOK) })
	group.POST("/reset", RequirePermission(PermTechnician), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	access, _, err := svc.LoginUser("tech", "s3cret", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"no header", http.MethodGet, "/status", "", http.StatusUnauthorized},
		{"not bearer", http.MethodGet, "/status", "Basic abc", http.StatusUnauthorized},
		{"garbage", http.MethodGet, "/status", "Bearer abc", http.StatusUnauthorized},
		{"jwt", http.MethodPost, "/reset", "Bearer " + access, http.StatusAccepted},
		{"machine token", http.MethodGet, "/status", "Bearer " + token, http.StatusOK},
		{"machine token lacks permission", http.MethodPost, "/reset", "Bearer " + token, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
