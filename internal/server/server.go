package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/storeforge/internal/buildjob"
	buildjobdomain "github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/internal/config"
	"github.com/smallbiznis/storeforge/internal/notification"
	notificationdomain "github.com/smallbiznis/storeforge/internal/notification/domain"
	"github.com/smallbiznis/storeforge/internal/observability"
	obsmiddleware "github.com/smallbiznis/storeforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	obstracing "github.com/smallbiznis/storeforge/internal/observability/tracing"
	"github.com/smallbiznis/storeforge/internal/order"
	"github.com/smallbiznis/storeforge/internal/outbox"
	"github.com/smallbiznis/storeforge/internal/payment"
	paymentdomain "github.com/smallbiznis/storeforge/internal/payment/domain"
	"github.com/smallbiznis/storeforge/internal/ratelimit"
	"github.com/smallbiznis/storeforge/internal/realtime"
	"github.com/smallbiznis/storeforge/internal/redisclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	redisclient.Module,
	realtime.Module,
	outbox.Module,
	ratelimit.Module,
	order.Module,
	notification.Module,
	buildjob.Module,
	payment.Module,
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	buildSvc        buildjobdomain.Service
	notificationSvc notificationdomain.Service
	webhookSvc      paymentdomain.WebhookService
	hub             *realtime.Hub
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	BuildSvc        buildjobdomain.Service
	NotificationSvc notificationdomain.Service
	WebhookSvc      paymentdomain.WebhookService
	Hub             *realtime.Hub
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		buildSvc:        p.BuildSvc,
		notificationSvc: p.NotificationSvc,
		webhookSvc:      p.WebhookSvc,
		hub:             p.Hub,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Build callbacks --------
	api.POST("/builds/callback", s.CallbackAuth(), s.ReceiveBuildCallback)

	store := api.Group("/stores/:store_id", StoreContext())
	{
		// -------- Builds --------
		store.POST("/templates/:template_id/builds", s.TriggerBuild)
		store.GET("/builds", s.ListBuildJobs)
		store.GET("/builds/:id", s.GetBuildJob)

		// -------- Notifications --------
		store.GET("/notifications", s.ListNotifications)
		store.POST("/notifications", s.CreateNotification)
		store.GET("/notifications/unread-count", s.UnreadNotificationCount)
		store.POST("/notifications/read-all", s.MarkAllNotificationsRead)
		store.POST("/notifications/:id/read", s.MarkNotificationRead)
		store.DELETE("/notifications/:id", s.DeleteNotification)

		// -------- Realtime --------
		store.GET("/events", s.StreamStoreEvents)
		store.GET("/ws", s.ServeStoreWebsocket)
	}
}
