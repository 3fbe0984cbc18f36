package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"k9notify/config"
	contractsmq "k9notify/contracts/mq"
	"k9notify/internal/dispatcher"
	"k9notify/internal/httpserver"
	"k9notify/pkg/db"
	"k9notify/pkg/logger"
	"k9notify/pkg/mq"
	"k9notify/pkg/outbox"
	"k9notify/pkg/redis"
	"k9notify/pkg/util"
)

const dispatchQueue = "notification.dispatch.q"

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting notification dispatcher...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
	)

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("Database connection established")

	// Redis
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	dedupeTTL := time.Duration(cfg.Notify.DedupeTTLMinutes) * time.Minute
	deduper := util.NewDeduperWithLogger(rdb, dedupeTTL, log)
	retryCounter := util.NewRetryCounter(rdb, dedupeTTL)

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	declareDLQ(cfg.MQ.URL, log)

	// Core wiring
	repo := dispatcher.NewRepository(dbConn)
	hub := dispatcher.NewHub(log)

	pushClient := &http.Client{Timeout: time.Duration(cfg.Push.TimeoutSeconds) * time.Second}
	pushSender := dispatcher.NewHTTPPushSender(pushClient, cfg.Push.TTLSeconds, log)

	unreadCache := dispatcher.NewUnreadCache(rdb, time.Minute, log)

	svc := dispatcher.NewService(repo, hub, pushSender, log, dispatcher.ServiceOptions{
		SnapshotLimit: cfg.Notify.SnapshotLimit,
		UnreadCache:   unreadCache,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Outbox dispatcher for delivery receipts
	outboxRepo := outbox.NewRepository(dbConn)
	outboxDispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
	go outboxDispatcher.Start(rootCtx)

	replayService := outbox.NewReplayService(outboxRepo, publisher)

	// MQ Consumer for notification.created
	consumer, err := mq.NewConsumer(cfg.MQ.URL, dispatchQueue, contractsmq.RoutingKeyNotificationCreated, log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	mqHandler := dispatcher.NewMQHandler(svc, deduper, retryCounter, publisher, log)
	consumer.SetHandler(mqHandler.Handle)

	go func() {
		if err := consumer.Start(); err != nil {
			log.Fatal("Notification consumer failed", zap.Error(err))
		}
	}()

	// Quiet-hours release scheduler
	scheduler := dispatcher.NewScheduler(svc,
		time.Duration(cfg.Notify.SchedulerIntervalSecs)*time.Second, log)
	go scheduler.Start(rootCtx)

	// HTTP + websocket server
	wss := dispatcher.NewWSServer(svc, hub, cfg.JWT.Secret, log)
	notificationHandler := httpserver.NewNotificationHandler(svc, cfg.Push.ServerKey, log)
	outboxHandler := httpserver.NewOutboxHandler(replayService, log)
	router := httpserver.NewRouter(notificationHandler, outboxHandler, wss, cfg.JWT.Secret, dbConn)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router.Engine,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("notification dispatcher is fully initialized and running")

	<-rootCtx.Done()
	log.Info("Shutting down notification dispatcher gracefully...")

	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("notification dispatcher shutdown complete")
}

// declareDLQ sets up the dead letter exchange and the parking queue for
// poison notification.created messages. Failure is non-fatal; the
// handler tolerates a missing DLQ.
func declareDLQ(url string, log *zap.Logger) {
	conn, err := mq.NewConnection(url)
	if err != nil {
		log.Warn("DLQ declaration skipped, MQ unavailable", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Warn("DLQ declaration skipped, channel open failed", zap.Error(err))
		return
	}
	defer ch.Close()

	if err := mq.DeclareDLQExchange(ch); err != nil {
		log.Warn("Failed to declare DLQ exchange", zap.Error(err))
		return
	}
	if _, err := mq.DeclareDLQQueue(ch, contractsmq.RoutingKeyNotificationCreated); err != nil {
		log.Warn("Failed to declare DLQ queue", zap.Error(err))
	}
}
