// Package main runs the dispatch gateway: it loads configuration, prepares
// the container pool, and serves the HTTP, RPC, event, and schedule
// transports until signalled to stop.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbusfn/nimbus/internal/config"
	"github.com/nimbusfn/nimbus/internal/container"
	"github.com/nimbusfn/nimbus/internal/security"
	"github.com/nimbusfn/nimbus/internal/services/status"
	"github.com/nimbusfn/nimbus/internal/transport"
	"github.com/nimbusfn/nimbus/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	flag.Parse()

	if v := os.Getenv("CONFIG_PATH"); v != "" && *configPath == "" {
		*configPath = v
	}

	cfg := config.LoadOrDefault(*configPath)
	secrets := config.NewCachedSecrets(config.EnvSecretSource{}, 5*time.Minute)
	cfg.FillAuthSecrets(context.Background(), secrets)

	log := logger.New("gateway", cfg.LogLevel)
	log.WithFields(map[string]interface{}{
		"application": cfg.AppID,
		"stage":       cfg.Stage,
		"port":        cfg.HTTP.Port,
	}).Info("Gateway starting")

	pool := container.NewPool(log)
	pool.RegisterNamed("config", cfg)
	pool.RegisterNamed("security", security.New(cfg, log))

	pool.Publish(status.New(log))

	if _, err := pool.Prepare(context.Background()); err != nil {
		log.WithError(err).Fatal("Container preparation failed")
	}

	scheduler := transport.NewScheduler(pool, log)
	for resource, spec := range cfg.Schedules {
		if err := scheduler.Add(resource, spec); err != nil {
			log.WithError(err).WithField("resource", resource).Fatal("Invalid schedule")
		}
	}
	scheduler.Start()

	server := transport.NewServer(cfg, pool, log)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Fatal("HTTP listener failed")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scheduler.Stop()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Shutdown incomplete")
	}
	pool.Dispose()
	log.Info("Gateway stopped")
}
