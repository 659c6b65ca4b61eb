package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketsync/config"
	"marketsync/gateway"
	"marketsync/logger"
	"marketsync/stream"
	"marketsync/venue"
	"marketsync/venue/bitmex"
	"marketsync/venue/bybit"
	"marketsync/venue/kraken"
	"marketsync/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketsync.Name,
		"version": cfg.Marketsync.Version,
	}).Info("starting marketsync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if region := os.Getenv("AWS_REGION"); region != "" && cfg.Logging.Namespace != "" {
		logger.InitCloudWatch(region, cfg.Logging.Namespace)
	}

	gateways := buildGateways(cfg, log)
	if len(gateways) == 0 {
		log.Error("no venues enabled")
		os.Exit(1)
	}

	var historyWriter *writer.HistoryWriter
	if cfg.History.Enabled {
		historyWriter, err = writer.NewHistoryWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create history writer")
			os.Exit(1)
		}
		if err := historyWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start history writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("history persistence disabled; skipping writer")
	}

	var wg sync.WaitGroup
	started := make([]*gateway.Gateway, 0, len(gateways))

	for name, gw := range gateways {
		if err := gw.Start(ctx); err != nil {
			log.WithError(err).WithVenue(name).Error("gateway failed to start")
			continue
		}
		started = append(started, gw)

		wg.Add(1)
		go func(name string, gw *gateway.Gateway) {
			defer wg.Done()
			consumeEvents(ctx, name, gw, historyWriter, log)
		}(name, gw)
	}

	if len(started) == 0 {
		log.Error("no gateway came up")
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	for _, gw := range started {
		gw.Stop()
	}
	if historyWriter != nil {
		log.Info("stopping history writer")
		historyWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("marketsync stopped")
}

func buildGateways(cfg *config.Config, log *logger.Log) map[string]*gateway.Gateway {
	gateways := make(map[string]*gateway.Gateway)

	add := func(name string, vcfg config.VenueConfig, adapter venue.Adapter) {
		gw, err := gateway.New(adapter, cfg, vcfg)
		if err != nil {
			log.WithError(err).WithVenue(name).Error("failed to build gateway")
			return
		}
		gateways[name] = gw
	}

	if cfg.Venues.Kraken.Enabled {
		key, secret := cfg.Venues.Kraken.Credentials()
		add("kraken", cfg.Venues.Kraken, kraken.New(key, secret))
	}
	if cfg.Venues.Bitmex.Enabled {
		key, secret := cfg.Venues.Bitmex.Credentials()
		add("bitmex", cfg.Venues.Bitmex, bitmex.New(key, secret))
	}
	if cfg.Venues.Bybit.Enabled {
		key, secret := cfg.Venues.Bybit.Credentials()
		add("bybit", cfg.Venues.Bybit, bybit.New(key, secret, cfg.Venues.Bybit.RestURL))
	}
	return gateways
}

// consumeEvents drains one venue's event stream: history persistence for
// market data, error logging for fatal connection events. The trading layer
// replaces this consumer in a full deployment.
func consumeEvents(ctx context.Context, name string, gw *gateway.Gateway, hw *writer.HistoryWriter, log *logger.Log) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-gw.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case stream.EventCandle:
				if hw != nil && evt.Candle != nil {
					hw.RecordCandle(name, *evt.Candle)
				}
			case stream.EventPublicTrade:
				if hw != nil && evt.Trade != nil {
					hw.RecordTrade(name, *evt.Trade)
				}
			case stream.EventConnectionStatus:
				if evt.Fatal != nil {
					log.WithComponent("main").WithVenue(name).WithError(evt.Fatal).Error("venue connection permanently lost")
				}
			case stream.EventOrderTraded:
				log.WithComponent("main").WithVenue(name).WithFields(logger.Fields{
					"order_id": evt.Order.ID,
					"filled":   evt.Filled,
				}).Info("order fill")
			}
		}
	}
}
