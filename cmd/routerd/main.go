package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/internal/config"
	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/handler"
	"github.com/mir00r/region-router/internal/metrics"
	"github.com/mir00r/region-router/internal/middleware"
	"github.com/mir00r/region-router/internal/server"
	"github.com/mir00r/region-router/internal/service"
	"github.com/mir00r/region-router/internal/transport"
	"github.com/mir00r/region-router/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second
	startTimeout    = 30 * time.Second
	reloadInterval  = 10 * time.Second
)

// version is stamped at build time
var version = "dev"

// getConfigSource returns the configuration source for logging
func getConfigSource() string {
	if path, _ := config.ConfigFile(); path != "" {
		if _, err := os.Stat(path); err == nil {
			return "file+env"
		}
	}

	envVars := []string{
		"ROUTER_ACCOUNT_ENDPOINT", "ROUTER_PREFERRED_REGIONS", "ROUTER_LOG_LEVEL",
		"ROUTER_ADMIN_PORT", "ROUTER_CIRCUIT_BREAKER_ENABLED",
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) != "" {
			return "environment"
		}
	}

	return "defaults"
}

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.ToLoggerConfig())
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(logrus.Fields{
		"version":           version,
		"account":           cfg.Account.Endpoint,
		"preferred_regions": cfg.Endpoint.PreferredRegions,
		"config_source":     getConfigSource(),
		"process":           getProcessInfo(),
	}).Info("Starting region router")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricSet := metrics.NewSetWithRegistry(registry)

	httpTransport, err := transport.NewHTTPTransport(cfg.Transport, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create transport")
	}
	var tr domain.Transport = httpTransport

	var faults *transport.FaultInjectionTransport
	if cfg.FaultInjection.Enabled {
		faults = transport.NewFaultInjectionTransport(httpTransport, log)
		for _, rule := range cfg.FaultInjection.ToFaultRules(time.Now()) {
			faults.AddRule(rule)
		}
		tr = faults
		log.WithField("rules", len(cfg.FaultInjection.Rules)).Warn("Fault injection enabled")
	}

	client := service.NewClient(cfg.ToClientConfig(), tr, log, service.WithMetricsSet(metricSet))

	startCtx, startCancel := context.WithTimeout(context.Background(), startTimeout)
	err = client.Start(startCtx)
	startCancel()
	if err != nil {
		// The refresher keeps trying; readiness stays down until it succeeds.
		log.WithError(err).Error("Initial topology refresh failed")
	}

	reloader := startReloader(cfg, log, faults)

	var adminServer *server.AdminServer
	if cfg.Admin.Enabled {
		adminServer, err = newAdminServer(cfg, client, faults, registry, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create admin server")
		}

		go func() {
			log.WithFields(logrus.Fields{
				"addr":    adminServer.Addr(),
				"auth":    cfg.Admin.Auth.Enabled,
				"metrics": cfg.Metrics.Enabled,
			}).Info("Admin API enabled")

			if err := adminServer.ListenAndServe(); err != nil {
				log.WithError(err).Fatal("Admin server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if reloader != nil {
		reloader.Stop()
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error shutting down admin server")
		}
	}
	client.Stop()

	log.Info("Region router stopped gracefully")
}

func newAdminServer(cfg *config.Config, client *service.Client, faults *transport.FaultInjectionTransport, registry *prometheus.Registry, log *logger.Logger) (*server.AdminServer, error) {
	opts := handler.RouterOptions{}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
		opts.Gatherer = registry
	}
	if cfg.Admin.RateLimit.Enabled {
		opts.RateLimiter = middleware.NewRateLimiter(cfg.Admin.RateLimit, log)
	}
	if cfg.Admin.Auth.Enabled {
		auth, err := middleware.NewJWTAuthMiddleware(cfg.ToJWTAuthConfig(), log)
		if err != nil {
			return nil, err
		}
		opts.Auth = auth
	}

	router := handler.NewRouter(
		handler.NewAdminHandler(client, faults, log),
		handler.NewHealthHandler(client.Manager(), version),
		opts,
		log,
	)

	serverCfg := cfg.ToServerConfig()
	serverCfg.Port = getPort(serverCfg.Port)
	return server.New(serverCfg, router, log)
}

// startReloader watches the configuration file. Only the log level and the
// fault rules are applied live; everything else needs a restart.
func startReloader(cfg *config.Config, log *logger.Logger, faults *transport.FaultInjectionTransport) *config.Reloader {
	path, _ := config.ConfigFile()
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	reloader := config.NewReloader(cfg, path, reloadInterval, log)
	reloader.OnReload(func(previous, current *config.Config) error {
		level, err := logrus.ParseLevel(current.Logging.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	})
	if faults != nil {
		reloader.OnReload(func(previous, current *config.Config) error {
			for _, rule := range previous.FaultInjection.Rules {
				faults.RemoveRule(rule.ID)
			}
			if !current.FaultInjection.Enabled {
				return nil
			}
			for _, rule := range current.FaultInjection.ToFaultRules(time.Now()) {
				faults.AddRule(rule)
			}
			return nil
		})
	}
	reloader.Start()
	return reloader
}
