package httpserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"k9notify/internal/dispatcher"
	"k9notify/pkg/rbac"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	notifications *NotificationHandler,
	outboxHandler *OutboxHandler,
	wss *dispatcher.WSServer,
	jwtSecret string,
	db *pgxpool.Pool,
) *Router {
	r := gin.Default()
	r.Use(TraceMiddleware())

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(200)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(500, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}

		c.JSON(200, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// The websocket handler authenticates on its own because browsers
	// cannot set headers on the upgrade request.
	r.GET("/ws", gin.WrapF(wss.Handle))

	// Protected
	auth := r.Group("/api")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.GET("/notifications/list", notifications.List)
		auth.POST("/notifications/mark-read", notifications.MarkRead)
		auth.POST("/notifications/test", notifications.Test)
		auth.GET("/notifications/settings", notifications.GetSettings)
		auth.POST("/notifications/settings", notifications.UpdateSettings)
		auth.GET("/notifications/server-key", notifications.ServerKey)
		auth.POST("/notifications/:id/clicked", notifications.Clicked)
		auth.POST("/notifications/:id/dismissed", notifications.Dismissed)

		admin := auth.Group("/")
		{
			admin.POST("/notifications/send",
				RequirePermission(rbac.PermissionSendNotification), notifications.Send)
			admin.POST("/outbox/replay/:id",
				RequirePermission(rbac.PermissionReplayOutbox), outboxHandler.ReplayEvent)
			admin.POST("/outbox/replay-failed",
				RequirePermission(rbac.PermissionReplayOutbox), outboxHandler.ReplayFailed)
		}
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
