package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/api/websocket"
	"github.com/KevinKickass/OpenDeviceCore/internal/auth"
	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"github.com/KevinKickass/OpenDeviceCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	metrics     http.Handler
	metricsPath string
}

type Option func(*Server)

// WithAuth protects the API. Without it every route is open.
func WithAuth(a *auth.AuthService) Option {
	return func(s *Server) { s.authService = a }
}

// WithMetrics serves h (usually promhttp) on path.
func WithMetrics(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = h
	}
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
		wsHub:  wsHub,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// require returns the auth chain for a route group.
func (s *Server) require(perm auth.Permission) []gin.HandlerFunc {
	if s.authService == nil {
		return nil
	}
	return []gin.HandlerFunc{s.authService.AuthMiddleware(), auth.RequirePermission(perm)}
}

// allow adds a stricter permission inside an already protected group.
func (s *Server) allow(perm auth.Permission) gin.HandlerFunc {
	if s.authService == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.RequirePermission(perm)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.GET(s.metricsPath, gin.WrapH(s.metrics))
	}

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		if s.authService != nil {
			authPublic := v1.Group("/auth")
			{
				authPublic.POST("/login", s.login)
				authPublic.POST("/refresh", s.refreshToken)
			}

			authProtected := v1.Group("/auth", s.authService.AuthMiddleware())
			{
				authProtected.POST("/logout", s.logout)
				authProtected.GET("/me", s.getCurrentUser)
			}
		}

		// ==================== SYSTEM ====================
		system := v1.Group("/system", s.require(auth.PermOperator)...)
		{
			system.GET("/status", s.getSystemStatus)
			system.GET("/ports", s.listPorts)
			system.POST("/shutdown", s.allow(auth.PermAdmin), s.shutdown)
		}

		// ==================== BACKEND ====================
		backend := v1.Group("/backend", s.require(auth.PermOperator)...)
		{
			// Read & everyday actions: Operator+
			backend.GET("/status", s.getBackendStatus)
			backend.GET("/records", s.listDeviceRecords)
			backend.POST("/storage/refresh", s.refreshStorage)
			backend.POST("/updates/check", s.checkUpdates)
			backend.POST("/finalize", s.finalizeOperation)
			backend.POST("/screen/start", s.startScreenStreaming)
			backend.POST("/screen/stop", s.stopScreenStreaming)
			backend.POST("/screen/frame", s.sendFrame)

			// Procedures: Technician+
			backend.POST("/main-action", s.allow(auth.PermTechnician), s.mainAction)
			backend.POST("/backup", s.allow(auth.PermTechnician), s.createBackup)
			backend.POST("/restore", s.allow(auth.PermTechnician), s.restoreBackup)
			backend.POST("/factory-reset", s.allow(auth.PermTechnician), s.factoryReset)
			backend.POST("/install/firmware", s.allow(auth.PermTechnician), s.installFirmware)
			backend.POST("/install/wireless-stack", s.allow(auth.PermTechnician), s.installWirelessStack)
			backend.POST("/install/fus", s.allow(auth.PermAdmin), s.installFUS)
			backend.POST("/cancel", s.allow(auth.PermTechnician), s.cancelOperation)
		}

		// ==================== OPERATION JOURNAL (OPERATOR+) ====================
		operations := v1.Group("/operations", s.require(auth.PermOperator)...)
		{
			operations.GET("", s.listOperations)
			operations.GET("/:id", s.getOperation)
		}

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", append(s.require(auth.PermOperator), s.wsStatus)...)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
