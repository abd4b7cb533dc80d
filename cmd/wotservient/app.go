package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/internal/config"
	"github.com/twinfer/wotkit/internal/metrics"
	"github.com/twinfer/wotkit/pkg/binding/httpbinding"
	"github.com/twinfer/wotkit/pkg/binding/mqttbinding"
	"github.com/twinfer/wotkit/pkg/servient"
)

// app wires a servient from the configuration.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	servient *servient.Servient
	pool     *mqttbinding.Pool
	registry *prometheus.Registry
	metrics  *http.Server
}

func newApp(cfg *config.Config, logger *logrus.Logger, opts ...mqttbinding.PoolOption) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		pool:   mqttbinding.NewPool(logger, opts...),
	}

	var collector *metrics.Collector
	if cfg.Metrics.Listen != "" {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		c, err := metrics.NewCollector(a.registry)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		collector = c
	}

	s := servient.New(servient.Config{
		Logger:      logger,
		Credentials: servient.StaticCredentials(cfg.Credentials),
		Metrics:     collector,
	})

	for _, scheme := range cfg.Client.Schemes {
		switch scheme {
		case "http", "https":
			s.AddClientFactory(scheme, httpbinding.Factory(httpbinding.ClientConfig{
				Timeout: cfg.Client.Timeout,
				Logger:  logger,
			}))
		case "mqtt", "mqtts":
			s.AddClientFactory(scheme, mqttbinding.Factory(mqttbinding.ClientConfig{
				Pool:            a.pool,
				QoS:             byte(cfg.MQTT.QoS),
				ReadTimeout:     cfg.Client.ReadTimeout,
				DiscoveryBroker: cfg.MQTT.Broker.URL,
				DiscoveryPrefix: cfg.MQTT.Prefix,
				DiscoveryWindow: cfg.MQTT.DiscoveryWindow,
				Logger:          logger,
			}))
		default:
			return nil, fmt.Errorf("no client binding for scheme %q", scheme)
		}
	}

	if cfg.HTTP.Enabled {
		s.AddServer(httpbinding.NewServer(httpbinding.ServerConfig{
			Host:    cfg.HTTP.Host,
			Port:    cfg.HTTP.Port,
			BaseURL: cfg.HTTP.BaseURL,
			Auth:    cfg.HTTP.Auth,
		}, s.Content(), logger))
	}
	if cfg.MQTT.Enabled {
		s.AddServer(mqttbinding.NewServer(mqttbinding.ServerConfig{
			Broker: cfg.MQTT.Broker,
			Prefix: cfg.MQTT.Prefix,
			QoS:    byte(cfg.MQTT.QoS),
		}, a.pool, s.Content(), logger))
	}

	a.servient = s
	return a, nil
}

// start starts the servers, the metrics endpoint and the demo Thing.
func (a *app) start(ctx context.Context) error {
	if err := a.servient.Start(ctx); err != nil {
		return err
	}
	if a.registry != nil {
		a.serveMetrics()
	}
	if _, err := produceCounter(ctx, a.servient); err != nil {
		return fmt.Errorf("failed to expose counter: %w", err)
	}
	return nil
}

func (a *app) serveMetrics() {
	path := a.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Infof("Serving metrics on %s%s", a.cfg.Metrics.Listen, path)
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Metrics server failed")
		}
	}()
}

func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := a.servient.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}
