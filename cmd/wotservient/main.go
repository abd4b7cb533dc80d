// Command wotservient runs a Web of Things servient that exposes a demo
// counter Thing over the configured protocol bindings.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/internal/config"
)

var (
	configFile = flag.String("config", "", "Path to YAML config file")
	logLevel   = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log configuration")
	}

	logger.Info("Starting WoT servient...")

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build servient")
	}
	if err := a.start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start servient")
	}
	logger.WithField("schemes", a.servient.ClientSchemes()).Info("WoT servient started")

	setupGracefulShutdown(a, logger)
}

// setupGracefulShutdown blocks until SIGINT or SIGTERM and then stops the app.
func setupGracefulShutdown(a *app, logger *logrus.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down WoT servient...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.stop(ctx); err != nil {
		logger.WithError(err).Error("Error stopping servient")
	}
	logger.Info("WoT servient shutdown complete")
}
