package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"spikewatch/config"
	"spikewatch/internal/candle"
	"spikewatch/internal/detector"
	"spikewatch/internal/exchange"
	"spikewatch/internal/logger"
	"spikewatch/internal/metrics"
	"spikewatch/internal/model"
	"spikewatch/internal/notify"
	"spikewatch/internal/pool"
	redisstore "spikewatch/internal/store/redis"
	sqlitestore "spikewatch/internal/store/sqlite"
	"spikewatch/internal/symbols"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("[screener] starting...")

	cfg := config.Load()
	logger.Init("screener", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Drivers for the enabled venues ----
	drivers := buildDrivers(cfg.ParseExchanges())
	if len(drivers) == 0 {
		log.Fatal("[screener] no exchanges enabled")
	}
	markets := cfg.ParseMarkets()

	// ---- SQLite store ----
	os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
	store, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[screener] sqlite init failed: %v", err)
	}
	defer store.Close()
	go store.RunErrorWriter(ctx)
	log.Println("[screener] sqlite store ready")

	// ---- Redis publisher (optional) ----
	var publisher *redisstore.Publisher
	publisher, err = redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[screener] WARNING: redis init failed: %v (continuing without redis)", err)
		publisher = nil
	}

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	tracker := metrics.NewTracker(prom)
	health := metrics.NewHealthStatus()
	health.CheckSQLite(ctx, store.DB())
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	if err := metrics.WriteStartSentinel(cfg.SentinelPath); err != nil {
		log.Printf("[screener] start sentinel: %v", err)
	}
	if mon, err := metrics.NewSysMonitor(metrics.DefaultThresholds(), prom); err == nil {
		go mon.Run(ctx)
	} else {
		log.Printf("[screener] sysmon init: %v", err)
	}

	// ---- Symbol registry + connection pools ----
	reg := symbols.NewRegistry()
	for _, d := range drivers {
		reg.Register(d.Name(), d, intersect(d.Markets(), markets)...)
	}

	tradeCh := make(chan model.Trade, 10000)
	candleCh := make(chan model.Candle, 5000) // exchange-native candles join here
	closedCh := make(chan model.Candle, 5000)

	sink := pool.Sink{Trades: tradeCh, Candles: candleCh}
	manager := pool.NewManager()
	for _, d := range drivers {
		for _, mkt := range intersect(d.Markets(), markets) {
			p := pool.New(d, mkt, reg, sink)
			p.OnReconnect = tracker.CountReconnect
			manager.Register(p)
		}
	}
	// The initial refresh reports every symbol as added, so this also
	// seeds the normalization table at startup.
	reg.OnDelta = func(d symbols.Delta) {
		for _, s := range d.Added {
			symbols.RecordNormalization(store, d.Exchange, d.Market, s)
		}
		manager.HandleDelta(d)
	}

	// ---- Candle builder ----
	builder := candle.New()
	builder.OnLateTrade = tracker.CountLateTrade
	countedTrades := make(chan model.Trade, 10000)
	go func() {
		defer close(countedTrades)
		for t := range tradeCh {
			tracker.CountTrade(t)
			countedTrades <- t
		}
	}()
	go func() {
		defer close(closedCh)
		builder.Run(ctx, countedTrades, candleCh, closedCh)
	}()

	// ---- Detector ----
	userCache := detector.NewCache(store, time.Minute)
	if publisher != nil {
		go userCache.ListenInvalidations(ctx, publisher.Client())
	}
	det := detector.New(userCache)
	det.OnDetection = func(detector.Detection) { tracker.CountDetection() }

	detectorIn := make(chan model.Candle, 5000)
	go func() {
		defer close(detectorIn)
		for c := range closedCh {
			tracker.CountCandle(c)
			health.SetLastCandleTime(time.UnixMilli(c.TsMs))
			detectorIn <- c
		}
	}()

	detections := make(chan detector.Detection, 1000)
	go func() {
		defer close(detections)
		det.Run(ctx, detectorIn, detections)
	}()

	// ---- Notification dispatcher ----
	charts := notify.NewCharts(drivers)
	dispatcher := notify.NewDispatcher(cfg.TelegramToken, charts)
	dispatcher.OnResult = prom.CountNotification

	dispatchCh := make(chan detector.Detection, 1000)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx, dispatchCh)
	}()

	var events chan redisstore.Event
	if publisher != nil {
		events = make(chan redisstore.Event, 1000)
		go publisher.Run(ctx, events)
	}

	// Persist each detection, fan it out to Telegram and Redis.
	go func() {
		defer close(dispatchCh)
		for d := range detections {
			id, _, err := store.AddAlert(ctx, d.Alert, d.User.ID)
			if err != nil {
				log.Printf("[screener] alert persist: %v", err)
				store.RecordError(model.ErrorRecord{
					Exchange:     d.Alert.Exchange,
					Market:       d.Alert.Market,
					Symbol:       d.Alert.Symbol,
					ErrorType:    "alert_persist",
					ErrorMessage: err.Error(),
				})
			} else {
				d.Alert.ID = id
			}
			select {
			case dispatchCh <- d:
			case <-ctx.Done():
				return
			}
			if events != nil {
				select {
				case events <- redisstore.Event{UserID: d.User.ID, Alert: d.Alert}:
				default: // redis fanout is best-effort
				}
			}
		}
	}()

	// ---- Liveness + statistics ----
	if publisher != nil {
		health.StartLivenessChecker(ctx, publisher.Client(), store.DB(), 30*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, store.DB(), 30*time.Second)
	}

	reporter := metrics.NewReporter(tracker, manager, drivers, store, prom)
	go reporter.Run(ctx)
	go watchIngest(ctx, manager, health)

	// ---- Start ingestion ----
	reg.Start(ctx)
	manager.Start(ctx)

	log.Println("[screener] running")
	<-sigCh
	log.Println("[screener] shutting down...")

	cancel()
	manager.Wait()
	close(tradeCh)
	close(candleCh)
	<-dispatcherDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	if publisher != nil {
		publisher.Close()
	}
	log.Println("[screener] stopped")
}

// watchIngest mirrors pool state into the health status: ingestion is
// healthy while any connection is running.
func watchIngest(ctx context.Context, manager *pool.Manager, health *metrics.HealthStatus) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running := 0
			for _, s := range manager.Stats() {
				running += s.States[pool.StateRunning]
			}
			health.SetIngestOK(running > 0)
		}
	}
}

func buildDrivers(enabled []model.Exchange) []exchange.Driver {
	var out []exchange.Driver
	for _, ex := range enabled {
		switch ex {
		case model.Binance:
			out = append(out, exchange.NewBinance())
		case model.Bybit:
			out = append(out, exchange.NewBybit())
		case model.Bitget:
			out = append(out, exchange.NewBitget())
		case model.Gate:
			out = append(out, exchange.NewGate())
		case model.Hyperliquid:
			out = append(out, exchange.NewHyperliquid())
		}
	}
	return out
}

func intersect(have, want []model.Market) []model.Market {
	var out []model.Market
	for _, m := range have {
		for _, w := range want {
			if m == w {
				out = append(out, m)
			}
		}
	}
	return out
}
