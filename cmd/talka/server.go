package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/talka/historico/internal/archive"
	"github.com/talka/historico/internal/auth"
	"github.com/talka/historico/internal/cache"
	"github.com/talka/historico/internal/db"
	"github.com/talka/historico/internal/handlers"
	"github.com/talka/historico/internal/logger"
	"github.com/talka/historico/internal/telemetry"
	"github.com/talka/historico/internal/ws"
	"github.com/talka/historico/pkg/config"
	"github.com/talka/historico/pkg/i18n"
)

const shutdownTimeout = 10 * time.Second

var errDefaultJWTSecret = errors.New("JWT_SECRET must be set in production")

type server struct {
	cfg     *config.Config
	db      *db.DB
	cache   cache.Cache
	hub     *ws.Hub
	metrics *telemetry.Metrics
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if cfg.IsProduction() && cfg.JWTSecret == config.DefaultJWTSecret {
		return errDefaultJWTSecret
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	appCache := openCache(cfg)
	defer appCache.Close()

	srv := &server{
		cfg:     cfg,
		db:      database,
		cache:   appCache,
		hub:     ws.NewHub(),
		metrics: telemetry.New(),
	}
	srv.hub.OnClientsChanged = srv.metrics.SetWebSocketClients
	ws.SetAllowedOrigins(splitOrigins(cfg.CORSOrigins))

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go srv.hub.Run(hubCtx)

	router, err := srv.routes()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("starting server", "addr", httpServer.Addr, "environment", cfg.Environment, "driver", cfg.DatabaseDriver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Log.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openDatabase opens the configured database, creating the parent
// directory of a SQLite file first.
func openDatabase(cfg *config.Config) (*db.DB, error) {
	if isSQLite(cfg) {
		if dir := filepath.Dir(sqlitePath(cfg.DatabaseURL)); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	return db.New(cfg.DatabaseDriver, cfg.DatabaseURL)
}

// openCache connects to Redis when REDIS_URL is set and otherwise, or when
// Redis is unreachable, uses an in-process cache.
func openCache(cfg *config.Config) cache.Cache {
	if cfg.RedisURL == "" {
		return cache.NewMemory()
	}
	r, err := cache.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Log.Warn("redis unavailable, using in-memory cache", "error", err)
		return cache.NewMemory()
	}
	return r
}

func (s *server) routes() (*gin.Engine, error) {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	loginRate, err := limiter.NewRateFromFormatted(s.cfg.LoginRateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid LOGIN_RATE_LIMIT %q: %w", s.cfg.LoginRateLimit, err)
	}
	loginLimiter := limiter.New(memory.NewStore(), loginRate)

	authSvc := auth.NewWithTokenTTL(s.db.GetConn(), s.cfg.JWTSecret, s.cfg.TokenTTL)
	store := archive.NewStore(s.db)
	deps := handlers.Deps{
		Auth:          authSvc,
		Events:        s.hub,
		Recorder:      s.metrics,
		Cache:         s.cache,
		Locale:        s.cfg.Locale,
		AdminPassword: s.cfg.AdminPassword,
		MetricsTTL:    s.cfg.MetricsCacheTTL,
		MaxUploadSize: s.cfg.MaxUploadSize,
	}

	authHandler := handlers.NewAuthHandler(deps)
	userHandler := handlers.NewUserHandler(deps)
	convHandler := handlers.NewConversationHandler(store, deps)
	metricsHandler := handlers.NewMetricsHandler(store, deps)

	router := gin.New()
	router.Use(requestID())
	router.Use(serverErrorLogger())
	router.Use(accessLogger())
	router.Use(panicRecovery(s.cfg.Locale))
	router.Use(s.metrics.Middleware())
	router.Use(cors(splitOrigins(s.cfg.CORSOrigins)))
	router.MaxMultipartMemory = s.cfg.MaxUploadSize

	api := router.Group("/api")
	api.POST("/login", rateLimitMiddleware(loginLimiter, s.cfg.Locale), authHandler.Login)
	api.POST("/create-admin", authHandler.CreateAdmin)

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.DELETE("/delete-conversation", convHandler.DeleteConversation)
		protected.POST("/upload-conversations", convHandler.UploadConversations)
		protected.POST("/upload-chat", convHandler.UploadChat)
		protected.POST("/upload-csv", convHandler.UploadCSV)
		protected.GET("/conversations", convHandler.GetConversations)
		protected.GET("/search-conversations", convHandler.SearchConversations)
		protected.GET("/total-conversations", convHandler.TotalConversations)
		protected.DELETE("/delete-message", convHandler.DeleteMessage)
		protected.DELETE("/clear-data", convHandler.ClearData)
	}

	admin := protected.Group("")
	admin.Use(authHandler.RequireAdmin())
	{
		admin.POST("/create-user", userHandler.CreateUser)
		admin.DELETE("/delete-user", userHandler.DeleteUser)
		admin.GET("/users", userHandler.ListUsers)
		admin.POST("/update-user-status", userHandler.UpdateStatus)
		admin.POST("/update-user-password", userHandler.UpdatePassword)
		admin.GET("/admin-metrics", metricsHandler.AdminMetrics)
	}

	router.GET("/ws", authHandler.AuthMiddleware(), s.hub.HandleWebSocket)
	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": i18n.Translate(s.cfg.Locale, "not found")})
	})

	return router, nil
}

func (s *server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		logger.Log.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": "ok"})
}

func rateLimitMiddleware(limiterInstance *limiter.Limiter, locale string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Log.Error("rate limiter error", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": i18n.Translate(locale, "rate limiter error")})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limiterContext.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limiterContext.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limiterContext.Reset, 10))

		if limiterContext.Reached {
			logger.Log.Warn("login rate limit reached", "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": i18n.Translate(locale, "rate limit exceeded")})
			return
		}

		c.Next()
	}
}

// requestID propagates X-Request-ID or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ip", c.ClientIP(),
			"duration", time.Since(start).Truncate(time.Millisecond),
			"request_id", c.GetString("request_id"),
		)
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Log.Error("server error",
				"status", c.Writer.Status(),
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
				"duration", time.Since(start).Truncate(time.Millisecond),
				"errors", c.Errors.ByType(gin.ErrorTypeAny).String(),
				"response", strings.TrimSpace(blw.body.String()),
				"request_id", c.GetString("request_id"),
			)
		}
	}
}

func panicRecovery(locale string) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Log.Error("panic recovered",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"error", recovered,
			"stack", string(debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": i18n.Translate(locale, "internal server error")})
	})
}

func cors(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept-Language, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func isSQLite(cfg *config.Config) bool {
	return cfg.DatabaseDriver == "" || cfg.DatabaseDriver == db.DriverSQLite
}

// sqlitePath strips the file: scheme and query options from a SQLite DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}
