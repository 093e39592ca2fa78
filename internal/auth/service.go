package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"go.uber.org/zap"
)

type Permission string

const (
	PermOperator   Permission = "operator"
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

const (
	maxFailedLogins = 5
	lockoutDuration = 5 * time.Minute
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid token")
)

type refreshToken struct {
	username  string
	expiresAt time.Time
}

type loginFailures struct {
	count       int
	lockedUntil time.Time
}

// AuthService authenticates the accounts and machine tokens listed in the
// configuration. Refresh tokens live in memory and do not survive a
// restart.
type AuthService struct {
	users      map[string]config.UserConfig
	tokens     map[string]config.MachineTokenConfig
	jwtHandler *JWTHandler
	logger     *zap.Logger

	mu       sync.Mutex
	refresh  map[string]refreshToken
	failures map[string]*loginFailures
	now      func() time.Time
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	a := &AuthService{
		users:      make(map[string]config.UserConfig, len(cfg.Users)),
		tokens:     make(map[string]config.MachineTokenConfig, len(cfg.MachineTokens)),
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL, cfg.RefreshTokenTTL),
		logger:     logger,
		refresh:    make(map[string]refreshToken),
		failures:   make(map[string]*loginFailures),
		now:        time.Now,
	}
	for _, u := range cfg.Users {
		a.users[u.Username] = u
	}
	for _, t := range cfg.MachineTokens {
		a.tokens[t.TokenID] = t
	}

	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("Auth enabled with the development JWT secret",
			zap.String("env", cfg.JWTSecretEnv))
	}
	return a
}

func (a *AuthService) AccessTokenTTL() time.Duration {
	return a.jwtHandler.accessTokenTTL
}

// LoginUser authenticates a user and returns an access and a refresh token.
func (a *AuthService) LoginUser(username, password, ipAddress string) (accessToken, refresh string, err error) {
	if until, locked := a.lockedUntil(username); locked {
		return "", "", fmt.Errorf("%w until %s", ErrAccountLocked, until.Format(time.RFC3339))
	}

	user, ok := a.users[username]
	if !ok {
		a.logger.Info("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "unknown user"))
		return "", "", ErrInvalidCredentials
	}

	valid, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		a.logger.Error("Configured password hash is unusable", zap.String("username", username), zap.Error(err))
		return "", "", ErrInvalidCredentials
	}
	if !valid {
		a.recordFailure(username)
		a.logger.Info("Login failed", zap.String("username", username), zap.String("ip", ipAddress), zap.String("reason", "invalid password"))
		return "", "", ErrInvalidCredentials
	}
	a.resetFailures(username)

	accessToken, refresh, err = a.issue(user)
	if err != nil {
		return "", "", err
	}

	a.logger.Info("User logged in", zap.String("username", username), zap.String("ip", ipAddress))
	return accessToken, refresh, nil
}

// RefreshAccessToken exchanges a refresh token for a new token pair. The
// old refresh token is revoked.
func (a *AuthService) RefreshAccessToken(token string) (string, string, error) {
	hash := HashToken(token)

	a.mu.Lock()
	entry, ok := a.refresh[hash]
	delete(a.refresh, hash)
	a.mu.Unlock()

	if !ok || a.now().After(entry.expiresAt) {
		return "", "", fmt.Errorf("%w: refresh token unknown or expired", ErrInvalidToken)
	}

	user, ok := a.users[entry.username]
	if !ok {
		return "", "", fmt.Errorf("%w: user %s no longer configured", ErrInvalidToken, entry.username)
	}
	return a.issue(user)
}

func (a *AuthService) RevokeRefreshToken(token string) {
	a.mu.Lock()
	delete(a.refresh, HashToken(token))
	a.mu.Unlock()
}

func (a *AuthService) issue(user config.UserConfig) (string, string, error) {
	accessToken, err := a.jwtHandler.GenerateAccessToken(user.Username, user.Role)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate access token: %w", err)
	}

	refresh, err := a.jwtHandler.GenerateRefreshToken()
	if err != nil {
		return "", "", err
	}

	a.mu.Lock()
	a.pruneLocked()
	a.refresh[HashToken(refresh)] = refreshToken{
		username:  user.Username,
		expiresAt: a.now().Add(a.jwtHandler.refreshTokenTTL),
	}
	a.mu.Unlock()

	return accessToken, refresh, nil
}

func (a *AuthService) pruneLocked() {
	now := a.now()
	for hash, entry := range a.refresh {
		if now.After(entry.expiresAt) {
			delete(a.refresh, hash)
		}
	}
}

// ValidateMachineToken checks token against the configured machine tokens.
func (a *AuthService) ValidateMachineToken(token, ipAddress string) ([]Permission, error) {
	id, ok := parseMachineToken(token)
	if !ok {
		return nil, fmt.Errorf("%w: format", ErrInvalidToken)
	}

	cfg, ok := a.tokens[id]
	if !ok || subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(cfg.Hash)) != 1 {
		a.logger.Info("Machine token rejected", zap.String("token_id", id), zap.String("ip", ipAddress))
		return nil, ErrInvalidToken
	}

	a.logger.Debug("Machine token accepted", zap.String("name", cfg.Name), zap.String("ip", ipAddress))

	permissions := make([]Permission, len(cfg.Permissions))
	for i, p := range cfg.Permissions {
		permissions[i] = Permission(p)
	}
	return permissions, nil
}

// ValidateToken validates any token (JWT or Machine Token)
func (a *AuthService) ValidateToken(token, ipAddress string) ([]Permission, error) {
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return roleToPermissions(claims.Role), nil
	}
	return a.ValidateMachineToken(token, ipAddress)
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

func (a *AuthService) lockedUntil(username string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.failures[username]
	if !ok || f.lockedUntil.IsZero() {
		return time.Time{}, false
	}
	if a.now().After(f.lockedUntil) {
		delete(a.failures, username)
		return time.Time{}, false
	}
	return f.lockedUntil, true
}

func (a *AuthService) recordFailure(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.failures[username]
	if !ok {
		f = &loginFailures{}
		a.failures[username] = f
	}
	f.count++
	if f.count >= maxFailedLogins {
		f.lockedUntil = a.now().Add(lockoutDuration)
		a.logger.Warn("Account locked after repeated failures",
			zap.String("username", username),
			zap.Time("locked_until", f.lockedUntil))
	}
}

func (a *AuthService) resetFailures(username string) {
	a.mu.Lock()
	delete(a.failures, username)
	a.mu.Unlock()
}
