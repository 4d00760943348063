package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"bitbucket.org/mmdatafocus/lounge_backend/metrics"
	"bitbucket.org/mmdatafocus/lounge_backend/middlewares"
	"bitbucket.org/mmdatafocus/lounge_backend/models"
	"bitbucket.org/mmdatafocus/lounge_backend/r2osync"
	"bitbucket.org/mmdatafocus/lounge_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultPort = "8080"
	serviceName = "r2o-sync-service"
)

func main() {
	port := os.Getenv("R2O_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings := config.LoadR2OSettings()

	cipher, err := utils.NewTokenCipher(settings.TokenEncryptionKey)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "R2O_TOKEN_ENCRYPTION_KEY"}).Fatal(err)
	}
	if settings.WebhookSecret == "" {
		logger.WithFields(logrus.Fields{"field": "R2O_WEBHOOK_SECRET"}).Warn("webhook secret not set; webhook endpoint answers 503")
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	metrics.Register()

	// Handlers are bound now; the service is filled in once storage is up.
	svc := &r2osync.Service{}
	var ready atomic.Bool

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(metrics.Middleware(serviceName))
	r.Use(func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz":
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		case "/metrics":
			c.Next()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.AuthMiddleware(r2osync.PubSubPushPath))
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	var webhookMiddleware []gin.HandlerFunc
	if config.InboundRateLimitEnabled() {
		limiter := middlewares.NewRateLimiter(
			config.GetRedisDB,
			"r2o-webhook",
			int64(intFromEnv("RATE_LIMIT_REQUESTS", 300)),
			time.Duration(intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60))*time.Second,
		)
		webhookMiddleware = append(webhookMiddleware, limiter.Middleware())
	}
	svc.RegisterRoutes(r, webhookMiddleware...)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.SkipMigrations() {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	limiter := r2osync.NewSlidingWindowLimiter(settings.RateLimitRequests, settings.RateLimitWindow, r2osync.SystemClock)
	service := r2osync.NewService(db, r2osync.NewClient(settings, limiter), cipher, settings, logger)
	if lock := config.GetRedisLock(); lock != nil {
		service.Locker = r2osync.RedisLocker{Client: lock}
	}
	service.PushAuth = r2osync.NewPushAuthenticator(settings)
	if config.R2OPubSubPushEnabled() && service.PushAuth == nil {
		logger.WithFields(logrus.Fields{"field": "R2O_PUSH_AUDIENCE"}).Warn("push endpoint enabled without R2O_PUSH_AUDIENCE or R2O_PUSH_SECRET; pushes answer 503")
	}

	var publisher *r2osync.PubSubPublisher
	if config.R2OWebhookAsync() {
		publisher, err = newInvoicePublisher(sigCtx, settings)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).WithError(err).Error("async webhook mode unavailable, processing inline")
		} else {
			service.Publisher = publisher
			service.Async = true
		}
	}
	defer func() {
		publisher.Stop()
		config.ClosePubSubClient()
	}()

	*svc = *service
	ready.Store(true)
	logger.WithFields(logrus.Fields{"port": port, "async": service.Async}).Info("r2o sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func newInvoicePublisher(ctx context.Context, settings config.R2OSettings) (*r2osync.PubSubPublisher, error) {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return nil, err
	}
	return r2osync.NewPubSubPublisher(ctx, client, settings.InvoiceTopic, config.EnvBool("R2O_CREATE_TOPIC", false))
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
