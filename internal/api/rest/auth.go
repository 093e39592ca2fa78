package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenDeviceCore/internal/auth"
	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/gin-gonic/gin"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // seconds
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *Server) tokenResponse(access, refresh string) LoginResponse {
	return LoginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.authService.AccessTokenTTL().Seconds()),
	}
}

func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	accessToken, refreshToken, err := s.authService.LoginUser(req.Username, req.Password, c.ClientIP())
	if err != nil {
		if errors.Is(err, auth.ErrAccountLocked) {
			c.JSON(http.StatusTooManyRequests, types.NewErrorResponse("AUTH_429", "Account locked", err.Error()))
			return
		}
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid credentials", nil))
		return
	}

	c.JSON(http.StatusOK, s.tokenResponse(accessToken, refreshToken))
}

func (s *Server) refreshToken(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	accessToken, newRefreshToken, err := s.authService.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid or expired refresh token", nil))
		return
	}

	c.JSON(http.StatusOK, s.tokenResponse(accessToken, newRefreshToken))
}

func (s *Server) logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("AUTH_400", "Invalid request body", err.Error()))
		return
	}

	s.authService.RevokeRefreshToken(req.RefreshToken)
	c.JSON(http.StatusOK, gin.H{"message": "logged out successfully"})
}

func (s *Server) getCurrentUser(c *gin.Context) {
	username := c.GetString("username")
	if username == "" {
		// Machine tokens have no user.
		c.JSON(http.StatusOK, gin.H{"permissions": auth.Permissions(c)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"username":    username,
		"role":        c.GetString("role"),
		"permissions": auth.Permissions(c),
	})
}
