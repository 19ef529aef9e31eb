package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saas-fulfillment/internal/api"
	"saas-fulfillment/internal/config"
	"saas-fulfillment/internal/database"
	"saas-fulfillment/internal/models"
	"saas-fulfillment/internal/services"
	"saas-fulfillment/pkg/logging"

	"github.com/gin-gonic/gin"
)

// app holds the wired components of one process
type app struct {
	cfg        *config.Config
	db         *database.Database
	subs       *database.SubscriptionRepo
	audit      *database.AuditRepo
	plans      *database.PlanRepo
	client     *services.HTTPFulfillmentClient
	dispatcher *services.NotificationDispatcher
	reconciler *services.Reconciler
	guard      services.InFlightGuard
	processor  *services.WebhookProcessor
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.InitLogging(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	db, err := database.InitDatabase(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:   cfg,
		db:    db,
		subs:  database.NewSubscriptionRepo(db.DB),
		audit: database.NewAuditRepo(db.DB),
		plans: database.NewPlanRepo(db.DB),
	}

	a.client = services.NewHTTPFulfillmentClient(cfg.Fulfillment, services.NewAuthorizedHTTPClient(ctx, cfg.Fulfillment))

	var sinks []services.Sink
	if cfg.Notification.BrevoAPIKey != "" {
		sinks = append(sinks, services.NewBrevoNotifier(cfg.Notification, a.plans, ""))
	} else {
		logging.Infof("BREVO_API_KEY not set, email notifications disabled")
	}
	if wn := services.NewWebhookNotifier(cfg.Notification); wn != nil {
		sinks = append(sinks, wn)
	}
	a.dispatcher = services.NewNotificationDispatcher(cfg.Notification.SinkDeadline, sinks...)

	a.reconciler = services.NewReconciler(a.subs, a.audit, a.plans, a.client, a.dispatcher, models.RealClock{}, cfg.Reconciler)

	if db.Redis != nil {
		a.guard = services.NewRedisInFlightGuard(db.Redis, cfg.Reconciler.InFlightTTL)
	} else {
		a.guard = services.NewMemoryInFlightGuard(cfg.Reconciler.InFlightTTL)
	}

	validator := services.NewTokenValidator(ctx, cfg.Webhook)
	a.processor = services.NewWebhookProcessor(validator, a.audit, a.guard, a.reconciler, models.RealClock{})
	return a, nil
}

func (a *app) close() {
	a.dispatcher.Wait()
	if g, ok := a.guard.(*services.MemoryInFlightGuard); ok {
		g.Stop()
	}
	if err := a.db.Close(); err != nil {
		logging.Errorf("Failed to close database: %v", err)
	}
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	gin.SetMode(a.cfg.Mode)
	r := gin.New()
	r.Use(gin.Recovery())

	handler := api.NewHandler(a.processor, a.reconciler, a.subs, a.audit, a.client, a.cfg.Reconciler.ProcessDeadline)
	api.SetupRoutes(r, handler, api.RouteConfig{
		OperatorAPIKey: a.cfg.OperatorAPIKey,
		CustomerAPIKey: a.cfg.CustomerAPIKey,
	})

	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("Starting server on port %s", a.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Infof("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Reconciler.ProcessDeadline+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runRefresh(ctx context.Context, out io.Writer, externalID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	ctx = logging.WithCorrelationID(ctx, "cli-refresh")
	res, err := a.reconciler.Refresh(ctx, externalID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s -> %s (%s, version %d)\n",
		externalID, res.OldState, res.NewState, res.Outcome, res.Subscription.Version)
	return nil
}

func runSyncPlans(ctx context.Context, out io.Writer, externalID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	plans, err := a.reconciler.SyncPlans(ctx, externalID)
	if err != nil {
		return err
	}
	for _, p := range plans {
		fmt.Fprintf(out, "%s\t%s\n", p.PlanID, p.DisplayName)
	}
	return nil
}
