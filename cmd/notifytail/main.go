package main

import (
	"context"
	"errors"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"k9notify/internal/engine"
	"k9notify/internal/model"
	"k9notify/internal/subscription"
	"k9notify/internal/telemetry"
	"k9notify/internal/transport"
	"k9notify/pkg/logger"
)

// notifytail is a diagnostic client: it connects to a dispatcher as a
// user, tails the notification stream, and prints the delivery decision
// for every frame. Useful for verifying a deployment end to end.

type headlessPrompter struct{}

func (headlessPrompter) RequestPermission(context.Context) (subscription.PermissionState, error) {
	return subscription.PermissionDenied, nil
}

type headlessPlatform struct{}

func (headlessPlatform) Subscription(context.Context) (*model.PushSubscription, error) {
	return nil, nil
}

func (headlessPlatform) Subscribe(context.Context, []byte) (*model.PushSubscription, error) {
	return nil, errors.New("push not supported in a terminal session")
}

func (headlessPlatform) Unsubscribe(context.Context) error {
	return nil
}

func main() {
	server := flag.String("server", "http://localhost:8086", "dispatcher base URL")
	token := flag.String("token", os.Getenv("NOTIFY_TOKEN"), "JWT for the tailing user")
	ack := flag.Bool("ack", false, "mark every received notification as read")
	test := flag.Bool("test", false, "request a test notification after connecting")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Sync()

	if *token == "" {
		log.Fatal("a token is required (flag -token or env NOTIFY_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel := telemetry.NewClient(*server, *token, nil, log)

	settings, err := tel.FetchSettings(ctx)
	if err != nil {
		log.Warn("could not fetch settings, using defaults", zap.Error(err))
		settings = model.DefaultSettings()
	}

	registry := subscription.NewRegistry(headlessPrompter{}, headlessPlatform{}, log)

	channel := transport.NewChannel(transport.Options{
		URL:    wsEndpoint(*server, log),
		Token:  *token,
		Logger: log,
	})
	defer channel.Close()

	eng := engine.New(engine.Options{
		Transport:     channel,
		Telemetry:     tel,
		Subscriptions: registry,
		Settings:      settings,
		Logger:        log,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	if *test {
		go func() {
			if err := eng.SendTest(); err != nil {
				log.Warn("test notification request failed", zap.Error(err))
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
				log.Error("engine stopped", zap.Error(err))
			}
			return
		case err := <-runDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Fatal("engine stopped", zap.Error(err))
			}
			return
		case d := <-eng.Directives():
			count, known := eng.UnreadCount()
			log.Info("notification",
				zap.String("id", d.Record.ID),
				zap.String("title", d.Record.Title),
				zap.String("priority", string(d.Record.Priority)),
				zap.Bool("transient_alert", d.Decision.TransientAlert),
				zap.Bool("system_alert", d.Decision.SystemAlert),
				zap.Bool("out_of_band", d.Decision.OutOfBand),
				zap.Int("unread", count),
				zap.Bool("unread_known", known),
			)
			if *ack {
				if err := eng.MarkRead(d.Record.ID); err != nil {
					log.Warn("mark read failed", zap.String("id", d.Record.ID), zap.Error(err))
				}
			}
		case n := <-eng.Notices():
			log.Warn("notice", zap.String("code", n.Code), zap.String("message", n.Message))
		}
	}
}

// wsEndpoint turns the HTTP base URL into the websocket endpoint.
func wsEndpoint(base string, log *zap.Logger) string {
	u, err := url.Parse(base)
	if err != nil {
		log.Fatal("invalid server URL", zap.String("url", base), zap.Error(err))
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}
