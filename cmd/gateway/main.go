package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/parishly/pco-gateway/internal/authentication"
	"github.com/parishly/pco-gateway/internal/config"
	"github.com/parishly/pco-gateway/internal/connect"
	"github.com/parishly/pco-gateway/internal/db"
	"github.com/parishly/pco-gateway/internal/metrics"
	"github.com/parishly/pco-gateway/internal/pco"
	"github.com/parishly/pco-gateway/internal/proxy"
	"github.com/parishly/pco-gateway/internal/sweeper"
	"github.com/parishly/pco-gateway/internal/tokenstore"
	"github.com/parishly/pco-gateway/internal/views"
	"golang.org/x/time/rate"
)

func main() {
	// Logging setup
	slog.SetDefault(jsonLogger)
	// Load configuration
	ch := config.NewConfigHandler()
	gwConfig, err := ch.Config()
	if err != nil {
		slog.Error("loading the configuration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("loaded config", "config", gwConfig)
	err = gwConfig.Validate()
	if err != nil {
		slog.Error("the config validation failed", "error", err)
		os.Exit(1)
	}
	// Set log level to "debug" if activated
	if gwConfig.DebugMode {
		logLevel.Set(slog.LevelDebug)
	}
	// Setup
	e := echo.New()
	e.Pre(middleware.RequestID(), middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	// The banner and the port do not respect the logger formatting we set below so we remove them
	// the port will be logged further down when the server starts.
	e.HideBanner = true
	e.HidePort = true
	// Setup template renderer
	tr, err := views.NewTemplateRenderer()
	if err != nil {
		slog.Error("Template renderer initialization failed", "error", err)
		os.Exit(1)
	}
	tr.Register(e)
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	// Version endpoint
	buildInfo, ok := debug.ReadBuildInfo()
	version := ""
	if ok && buildInfo != nil {
		version = buildInfo.Main.Version
	}
	e.GET("/version", func(c echo.Context) error {
		return c.String(http.StatusOK, version)
	})
	// Initialize the db adapter
	dbOptions := []db.RedisAdapterOption{db.WithRedisConfig(gwConfig.Redis)}
	if gwConfig.TokenEncryption.Enabled && gwConfig.TokenEncryption.SecretKey != "" {
		slog.Info("redis encryption is enabled")
		dbOptions = append(dbOptions, db.WithEncryption(string(gwConfig.TokenEncryption.SecretKey)))
	}
	dbAdapter, err := db.NewRedisAdapter(dbOptions...)
	if err != nil {
		slog.Error("DB adapter initialization failed", "error", err)
		os.Exit(1)
	}
	// Initialize the token store
	tokenStore, err := tokenstore.NewTokenStore(
		tokenstore.WithConfig(gwConfig.PlanningCenter),
		tokenstore.WithCredentialRepository(dbAdapter),
	)
	if err != nil {
		slog.Error("token store initialization failed", "error", err)
		os.Exit(1)
	}
	// Create authenticator
	authenticator, err := authentication.NewAuthenticator(authentication.WithConfig(gwConfig.Auth))
	if err != nil {
		slog.Error("failed to initialize authenticator", "error", err)
		os.Exit(1)
	}
	// Initialize the Planning Center client
	pcoClient, err := pco.NewClient(pco.WithConfig(gwConfig.PlanningCenter), pco.WithTokenStore(tokenStore))
	if err != nil {
		slog.Error("Planning Center client initialization failed", "error", err)
		os.Exit(1)
	}
	// Initialize the API proxy
	proxyServer, err := proxy.NewServer(proxy.WithClient(pcoClient), proxy.WithAuthenticator(authenticator))
	if err != nil {
		slog.Error("proxy handlers initialization failed", "error", err)
		os.Exit(1)
	}
	proxyServer.RegisterHandlers(e, commonMiddlewares...)
	// Initialize the connect flow
	connectOptions := []connect.ConnectServerOption{
		connect.WithConfig(gwConfig.PlanningCenter),
		connect.WithCredentialStore(dbAdapter),
		connect.WithReturnURL(gwConfig.Server.AppReturnURL),
	}
	var metricsClient *metrics.PosthogMetricsClient
	if gwConfig.Monitoring.Posthog.Enabled {
		metricsClient, err = metrics.NewPosthogClient(
			string(gwConfig.Monitoring.Posthog.ApiKey),
			gwConfig.Monitoring.Posthog.Host,
			gwConfig.Monitoring.Posthog.Environment,
		)
		if err != nil {
			slog.Error("posthog initialization failed", "error", err)
			os.Exit(1)
		}
		defer metricsClient.Close()
		connectOptions = append(connectOptions, connect.WithMetricsClient(metricsClient))
	}
	connectServer, err := connect.NewServer(connectOptions...)
	if err != nil {
		slog.Error("connect handlers initialization failed", "error", err)
		os.Exit(1)
	}
	connectServer.RegisterHandlers(e, authenticator.Middleware(), commonMiddlewares...)
	// Insights page
	e.GET("/insights", func(c echo.Context) error {
		until := time.Now().Add(time.Duration(gwConfig.Sweeper.WindowMinutes) * time.Minute)
		expiring, err := dbAdapter.GetExpiringCredentialTenantIDs(c.Request().Context(), until)
		if err != nil {
			return err
		}
		return c.Render(http.StatusOK, "insights", map[string]any{
			"version":         version,
			"expiringTenants": len(expiring),
			"sweeperEnabled":  gwConfig.Sweeper.Enabled,
		})
	})
	// Credential sweeper
	if gwConfig.Sweeper.Enabled {
		credentialSweeper, err := sweeper.NewSweeper(
			sweeper.WithConfig(gwConfig.Sweeper),
			sweeper.WithTokenRefresher(tokenStore),
			sweeper.WithExpiryIndex(dbAdapter),
		)
		if err != nil {
			slog.Error("sweeper initialization failed", "error", err)
			os.Exit(1)
		}
		scheduler, err := credentialSweeper.GetScheduler()
		if err != nil {
			slog.Error("sweeper scheduler initialization failed", "error", err)
			os.Exit(1)
		}
		scheduler.StartAsync()
		defer scheduler.Stop()
	}
	// Rate limiting
	if gwConfig.Server.RateLimits.Enabled {
		e.Use(middleware.RateLimiter(
			middleware.NewRateLimiterMemoryStoreWithConfig(
				middleware.RateLimiterMemoryStoreConfig{
					Rate:      rate.Limit(gwConfig.Server.RateLimits.Rate),
					Burst:     gwConfig.Server.RateLimits.Burst,
					ExpiresIn: 3 * time.Minute,
				}),
		),
		)
	}
	// CORS
	if len(gwConfig.Server.AllowOrigin) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: gwConfig.Server.AllowOrigin}))
	}
	// Sentry
	if gwConfig.Monitoring.Sentry.Enabled {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              string(gwConfig.Monitoring.Sentry.Dsn),
			TracesSampleRate: gwConfig.Monitoring.Sentry.SampleRate,
			Environment:      gwConfig.Monitoring.Sentry.Environment,
		})
		if err != nil {
			slog.Error("sentry initialization failed", "error", err)
		}
		e.Use(sentryecho.New(sentryecho.Options{}))
	}
	// Prometheus
	if gwConfig.Monitoring.Prometheus.Enabled {
		e.Use(echoprometheus.NewMiddleware("gateway"))
		go func() {
			metricsServer := echo.New()
			metricsServer.HideBanner = true
			metricsServer.HidePort = true
			metricsServer.GET("/metrics", echoprometheus.NewHandler())
			err := metricsServer.Start(fmt.Sprintf(":%d", gwConfig.Monitoring.Prometheus.Port))
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("prometheus server failed to start", "error", err)
				os.Exit(1)
			}
		}()
	}
	// Start server
	address := fmt.Sprintf("%s:%d", gwConfig.Server.Host, gwConfig.Server.Port)
	slog.Info("starting the server on address " + address)
	go func() {
		err := e.Start(address)
		if err != nil && err != http.ErrServerClosed {
			slog.Error("shutting down the server gracefuly failed", "error", err)
			os.Exit(1)
		}
	}()
	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 10 seconds.
	// Use a buffered channel to avoid missing signals as recommended for signal.Notify
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	slog.Info("received signal to shut down the server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		slog.Error("shutting down the server gracefully failed", "error", err)
		os.Exit(1)
	}
}
