package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/httpapi"
	"call-signaling/internal/metrics"
	"call-signaling/internal/realtime"
	"call-signaling/internal/relay"
	"call-signaling/internal/reporting"
	"call-signaling/internal/routing"
	"call-signaling/internal/signaling"
	"call-signaling/internal/sweeper"
	"call-signaling/pkg/logger"
	"call-signaling/pkg/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("dotenv load failed", "err", err)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	mx := metrics.New(prometheus.DefaultRegisterer)

	var db *sql.DB
	if cfg.HasPostgres() {
		db, err = utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			if cfg.IsProduction() {
				log.Error("postgres init failed", "err", err)
				os.Exit(1)
			}
			log.Warn("postgres unreachable; continuing without it", "err", err)
			db = nil
		} else {
			defer db.Close()
		}
	}

	var rdb *redis.Client
	if cfg.HasRedis() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			log.Warn("redis unreachable; using process-local directory and inbox", "err", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	// Calls domain
	repo := openCallStore(rootCtx, cfg, db, mx, log)
	directory := openDirectory(rdb)
	queue := openInbox(cfg.Calls, rdb, mx)
	auditSvc := audit.NewService(openAuditStore(rootCtx, db, log))

	hub := relay.NewHub(log)
	hub.SetMetrics(mx)
	if rdb != nil && cfg.Realtime.Fanout {
		fanout := relay.NewRedisFanout(rdb, hub, "calls:relay", log)
		hub.SetReplicator(fanout)
		go func() {
			if err := fanout.Run(rootCtx, nil); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("relay fanout stopped", "err", err)
			}
		}()
	}

	sig := signaling.NewRelay(hub, queue, repo, log)
	sig.SetMetrics(mx)

	callSvc := calls.NewService(repo, routing.NewResolver(directory, cfg.Calls.Aliases, log), sig, calls.Options{
		RingTimeout:  cfg.Calls.RingTimeout,
		DefaultOrgID: cfg.Calls.DefaultOrgID,
		Auditor:      auditSvc,
		Metrics:      mx,
		Logger:       log,
	})

	go sweeper.New(callSvc, cfg.Calls.SweepInterval, log).Run(rootCtx)

	ws := realtime.NewHandler(sig, realtime.Options{
		AllowedOrigins:  cfg.Realtime.AllowedOrigins,
		SendBuffer:      cfg.Realtime.SendBuffer,
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		PingInterval:    cfg.Realtime.PingInterval,
		PongWait:        cfg.Realtime.PongWait,
		MessageRate:     cfg.Realtime.MessageRate,
		MessageBurst:    cfg.Realtime.MessageBurst,
	}, log)

	handlers := httpapi.Handlers{
		Auth:      authManager,
		Calls:     callSvc,
		Directory: directory,
		Audit:     auditSvc,
		Reports:   reporting.NewService(repo),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.HTTP())
	r.Use(httpapi.ClientIP())
	r.Use(corsMiddleware(cfg.App.CORSOrigins))

	registerPublicRoutes(r, handlers, !cfg.IsProduction())
	registerProtectedRoutes(r, auth.RequireAccessToken(authManager), handlers, ws.ServeWS,
		httpapi.NewRateLimiter(cfg.Calls.CreateRate, cfg.Calls.CreateBurst).Handler())

	// WriteTimeout stays zero: hijacked WebSocket connections manage their
	// own deadlines.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "call_store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	log.Info("shutdown complete")
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
		cc.AllowCredentials = false
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}
