package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/neonpro/continuity/internal/client"
	"github.com/neonpro/continuity/internal/database"
	"github.com/neonpro/continuity/internal/models"
	"github.com/neonpro/continuity/internal/repositories"
	"github.com/neonpro/continuity/internal/services"
	"github.com/rs/zerolog"
)

// httpProbeProvider samples link quality by timing a health probe against the
// gateway. Downlink is not measurable from a single small request, so a fixed
// mid-range estimate is reported and RTT drives the classification.
type httpProbeProvider struct {
	url    string
	client *http.Client
}

func (p *httpProbeProvider) Sample(ctx context.Context) (models.LinkSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return models.LinkSample{}, err
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return models.LinkSample{Online: false}, nil
	}
	resp.Body.Close()

	return models.LinkSample{
		Online:       resp.StatusCode == http.StatusOK,
		DownlinkMbps: 5,
		RTT:          time.Since(start),
	}, nil
}

func main() {
	godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8080"
	}
	storePath := os.Getenv("LOCAL_STORE_PATH")
	if storePath == "" {
		storePath = "continuity.db"
	}
	deviceID := os.Getenv("DEVICE_ID")
	if deviceID == "" {
		deviceID = uuid.New().String()
	}

	store, err := database.OpenLocalStore(storePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open local store")
	}
	defer store.Close()

	actions := repositories.NewSQLiteActionRepository(store)
	conflicts := repositories.NewSQLiteConflictRepository(store)
	cache := repositories.NewSQLiteCacheRepository(store)

	gateway := client.NewGateway(client.Config{
		BaseURL:    gatewayURL,
		DeviceType: os.Getenv("DEVICE_TYPE"),
	}, logger)

	conflictSvc := services.NewConflictService(conflicts, actions, gateway, services.ConflictConfig{
		DeviceID:   deviceID,
		DeviceType: os.Getenv("DEVICE_TYPE"),
		UserID:     os.Getenv("USER_ID"),
	}, logger)

	queueSvc := services.NewQueueService(actions, gateway, conflictSvc, services.QueueConfig{
		ActorID: deviceID,
	}, logger)

	cacheSvc := services.NewCacheService(cache, services.CacheConfig{}, logger)

	monitor := services.NewNetworkMonitor(&httpProbeProvider{
		url:    gatewayURL + "/health",
		client: &http.Client{Timeout: 5 * time.Second},
	}, logger)

	// Flush whenever connectivity comes back.
	monitor.Subscribe(func(q models.NetworkQuality) {
		if !q.Online() {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := queueSvc.Flush(ctx, q); err != nil {
				logger.Warn().Err(err).Msg("flush after reconnect failed")
			}
		}()
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	if size, count, err := cacheSvc.Totals(context.Background()); err == nil {
		logger.Info().Int64("cache_bytes", size).Int("cache_entries", count).Msg("patient cache loaded")
	}

	logger.Info().Str("gateway", gatewayURL).Str("device_id", deviceID).Msg("continuity agent started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("agent stopped")
			return
		case <-ticker.C:
			quality, err := monitor.Refresh(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("network probe failed")
				continue
			}
			if !quality.Online() {
				continue
			}
			if err := queueSvc.Flush(ctx, quality); err != nil {
				logger.Warn().Err(err).Msg("flush failed")
			}
		}
	}
}
