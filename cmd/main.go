package main

import (
	"caminv-service/internal/caminv"
	"caminv-service/internal/connection"
	"caminv-service/internal/handler"
	"caminv-service/internal/middleware"
	"caminv-service/internal/store"
	"caminv-service/pkg/config"
	"caminv-service/pkg/database"
	"caminv-service/pkg/jwtutil"
	"caminv-service/pkg/logger"
	"caminv-service/pkg/vault"
	"caminv-service/prometheus"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	logger.InitLogger(cfg)
	log := logger.GetLogger()
	log.Info("Starting CamInv merchant connection service...",
		zap.String("environment", cfg.Server.Env))

	// Initialize database (includes migrations)
	if err := database.InitDB(cfg, log); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	log.Info("Database connection established and migrations completed")

	// Initialize the credential vault with the process-wide key
	key, err := cfg.Vault.DecodeEncryptionKey()
	if err != nil {
		log.Fatal("Failed to load vault encryption key", zap.Error(err))
	}
	credentialVault, err := vault.New(key)
	if err != nil {
		log.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

	// Wire the connection lifecycle service
	connectionStore := store.NewConnectionStore(database.GetDB())
	authority := caminv.NewClient(&cfg.CamInv)
	connectionService := connection.NewService(
		connectionStore,
		credentialVault,
		authority,
		log,
		cfg.CamInv.RequestTimeout,
	)
	handler.InitConnectionHandler(connectionService)

	// Initialize JWT utility for the web layer
	jwt := jwtutil.NewJWTUtil(&jwtutil.JWTConfig{
		SigningKey:     cfg.JWT.SigningKey,
		ExpirationTime: cfg.JWT.ExpirationTime,
	})

	// Initialize Prometheus metrics
	prometheus.InitMetrics(cfg)
	log.Info("Prometheus metrics initialized")

	// Initialize Echo framework
	e := echo.New()

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware(log))
	e.Use(prometheus.MetricsMiddleware())

	// Public routes - no authentication required
	e.GET("/", handler.Hello)
	e.GET("/health", handler.HealthCheck)
	e.GET("/metrics", prometheus.HandlerFunc())

	// Connection routes - require an authenticated team context
	connections := e.Group("/connections")
	connections.Use(middleware.JWTAuthMiddleware(jwt))

	connections.GET("", handler.ListConnections)
	connections.GET("/active", handler.ListActiveConnections)
	connections.GET("/primary", handler.GetPrimaryConnection)
	connections.GET("/:id", handler.GetConnection)
	connections.POST("", handler.ConnectMerchant)
	connections.POST("/:id/confirm", handler.ConfirmConnection)
	connections.POST("/:id/suspend", handler.SuspendConnection)
	connections.POST("/:id/reinstate", handler.ReinstateConnection)
	connections.POST("/:id/sync", handler.SyncConnection)
	connections.POST("/:id/token", handler.EnsureToken)
	connections.DELETE("/:id", handler.DisconnectConnection)

	// Start server
	port := cfg.Server.Port
	log.Info("Starting server", zap.String("port", port))
	if err := e.Start(":" + port); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}
}
