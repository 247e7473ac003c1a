package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pulsehub/config"
	"pulsehub/internal/adapter"
	"pulsehub/internal/apps"
	"pulsehub/internal/cache"
	"pulsehub/internal/channels"
	"pulsehub/internal/httpapi"
	"pulsehub/internal/queue"
	"pulsehub/internal/ratelimit"
	"pulsehub/internal/webhooks"
	"pulsehub/internal/websocket"
	"pulsehub/pkg/middleware"
)

func main() {
	cfg := config.Load()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := config.GetMetrics()
	ctx := context.Background()

	// App registry
	appManager, err := apps.New(ctx, apps.Config{
		Driver:   cfg.AppManager.Driver,
		Apps:     cfg.AppManager.Apps,
		MongoURI: cfg.AppManager.MongoURI,
		MongoDB:  cfg.AppManager.MongoDB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("app manager init failed")
	}
	defer func() {
		if err := appManager.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("app manager disconnect")
		}
	}()

	// Fan-out adapter
	adp, err := adapter.New(adapter.Config{
		Driver:            cfg.Adapter.Driver,
		Prefix:            cfg.Adapter.Prefix,
		NodeID:            cfg.Instance.ProcessID,
		RedisURL:          cfg.Adapter.RedisURL,
		RedisURLs:         cfg.Adapter.RedisClusterNodes,
		NATSURL:           cfg.Adapter.NATSURL,
		RequestTimeout:    time.Duration(cfg.Adapter.RequestTimeoutSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Adapter.HeartbeatIntervalSecs) * time.Second,
		HeartbeatTimeout:  time.Duration(cfg.Adapter.HeartbeatTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("adapter init failed")
	}
	defer func() {
		if err := adp.Close(); err != nil {
			log.Warn().Err(err).Msg("adapter close")
		}
	}()

	// Shared cache
	sharedCache, err := cache.New(cache.Config{
		Driver:    cfg.Cache.Driver,
		RedisURL:  cfg.RedisURL,
		RedisURLs: cfg.RedisClusterNodes,
		Prefix:    cfg.Prefix,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cache init failed")
	}
	defer func() {
		if err := sharedCache.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("cache disconnect")
		}
	}()

	// Webhook queue and pipeline
	jobQueue, err := queue.New(queue.Config{
		Driver:       cfg.Queue.Driver,
		RedisURL:     cfg.RedisURL,
		RedisURLs:    cfg.RedisClusterNodes,
		Prefix:       cfg.Prefix,
		KafkaBrokers: cfg.Queue.KafkaBrokers,
		Concurrency:  cfg.Queue.Concurrency,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("queue init failed")
	}
	defer func() {
		if err := jobQueue.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("queue disconnect")
		}
	}()

	pipeline := webhooks.NewPipeline(jobQueue, sharedCache, webhooks.BatchingConfig{
		Enabled:  cfg.Webhooks.Batching.Enabled,
		Duration: time.Duration(cfg.Webhooks.Batching.DurationMS) * time.Millisecond,
	})
	if err := pipeline.Start(cfg.Queue.Concurrency); err != nil {
		log.Fatal().Err(err).Msg("webhook pipeline start failed")
	}

	channelManager := channels.NewManager(adp, sharedCache, pipeline)

	// HTTP API rate limiter
	var apiLimiter ratelimit.Limiter
	if cfg.RateLimiter.Enabled {
		apiLimiter, err = ratelimit.New(ratelimit.Config{
			Driver:        cfg.RateLimiter.Driver,
			MaxRequests:   cfg.RateLimiter.APIRateLimit.MaxRequests,
			WindowSeconds: cfg.RateLimiter.APIRateLimit.WindowSeconds,
			RedisURL:      cfg.RedisURL,
			RedisURLs:     cfg.RedisClusterNodes,
			Prefix:        cfg.Prefix,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("rate limiter init failed")
		}
		defer func() {
			if err := apiLimiter.Disconnect(context.Background()); err != nil {
				log.Warn().Err(err).Msg("rate limiter disconnect")
			}
		}()
	}

	wsHandler := websocket.NewHandler(appManager, adp, channelManager, metrics, websocket.Config{
		ActivityTimeout: time.Duration(cfg.ActivityTimeoutSecs) * time.Second,
	})
	apiController := httpapi.NewController(appManager, adp, channelManager, metrics)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(config.MetricsMiddleware(metrics))
	router.Use(middleware.CORS(middleware.CORSOptions{
		Origins:        cfg.CORS.Origin,
		Methods:        cfg.CORS.Methods,
		AllowedHeaders: cfg.CORS.AllowedHeaders,
		Credentials:    cfg.CORS.Credentials,
	}))

	router.GET("/app/:app_key", wsHandler.Serve)
	router.GET("/up/:app_id", apiController.Up)
	router.GET("/usage", apiController.Usage)

	api := router.Group("/apps/:app_id", middleware.Signature(appManager))
	if apiLimiter != nil {
		api.Use(middleware.RateLimit(apiLimiter, cfg.RateLimiter.APIRateLimit.TrustHops))
	}
	{
		api.POST("/events", apiController.TriggerEvent)
		api.POST("/batch_events", apiController.TriggerBatch)
		api.GET("/channels", apiController.ListChannels)
		api.GET("/channels/:channel_name", apiController.ChannelInfo)
		api.GET("/channels/:channel_name/users", apiController.ChannelUsers)
		api.POST("/users/:user_id/terminate_connections", apiController.TerminateUserConnections)
	}

	// Metrics server on its own port so scrapes never compete with traffic.
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", config.MetricsHandler())
			addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
			log.Info().Str("addr", addr).Msg("metrics server starting")
			if err := (&http.Server{Addr: addr, Handler: mux}).ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if cfg.SSL.Enabled && cfg.SSL.RedirectHTTP {
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.SSL.HTTPPort)
			redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
			})
			log.Info().Str("addr", addr).Msg("http redirect listener starting")
			if err := http.ListenAndServe(addr, redirect); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("http redirect listener failed")
			}
		}()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		var err error
		if cfg.SSL.Enabled {
			err = srv.ListenAndServeTLS(cfg.SSL.CertPath, cfg.SSL.KeyPath)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownGraceSecs)*time.Second)
	defer cancel()

	// Order matters: stop taking sockets and close the live ones first, then
	// flush pending webhook batches their departure produced, then stop HTTP.
	wsHandler.Shutdown()
	pipeline.FlushAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	log.Info().Msg("server exited")
}
