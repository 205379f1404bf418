package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"softswitch/pkg/config"
	"softswitch/pkg/events"
	"softswitch/pkg/media"
	"softswitch/pkg/messaging"
	"softswitch/pkg/metrics"
	"softswitch/pkg/sip"
	"softswitch/pkg/util"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.SetupLogger(logger)

	if cfg.Metrics.Enabled {
		metrics.Init(logger)
	}

	bus := events.NewBus(logger)

	shutdown := util.NewGracefulShutdown(logger, 15*time.Second)

	publisher := messaging.NewPublisher(logger, cfg.Messaging.AMQPUrl, cfg.Messaging.AMQPExchange)
	if cfg.Messaging.AMQPUrl != "" {
		if err := publisher.Connect(); err != nil {
			logger.WithError(err).Warn("AMQP unavailable at startup, events will not be published")
		}
		sub := bus.Subscribe("amqp-publisher", 256)
		go publisher.Run(sub)
		shutdown.Register(util.ShutdownResource{
			Name:     "amqp-publisher",
			Priority: 30,
			Shutdown: func(ctx context.Context) error {
				publisher.Disconnect()
				return nil
			},
		})
	}

	portMgr := media.NewPortManager(cfg.Media.PortMin, cfg.Media.PortMax)

	engine := sip.NewEngine(cfg, logger, bus, portMgr, nil)
	if err := engine.Start(); err != nil {
		logger.Fatalf("Failed to start signaling listeners: %v", err)
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "sip-engine",
		Priority: 10,
		Shutdown: func(ctx context.Context) error {
			return engine.Shutdown()
		},
	})

	if cfg.Metrics.Enabled {
		metricsServer := metrics.Serve(logger, cfg.Metrics.Port)
		shutdown.Register(util.ShutdownResource{
			Name:     "metrics-server",
			Priority: 40,
			Shutdown: func(ctx context.Context) error {
				return metricsServer.Shutdown(ctx)
			},
		})
	}

	shutdown.Register(util.ShutdownResource{
		Name:     "event-bus",
		Priority: 50,
		Shutdown: func(ctx context.Context) error {
			bus.Close()
			return nil
		},
	})

	logger.WithFields(logrus.Fields{
		"host":     cfg.Network.Host,
		"udp_port": cfg.Network.UDPPort,
		"tcp":      cfg.Network.EnableTCP,
	}).Info("Exchange core running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
	}
}
