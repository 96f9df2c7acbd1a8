package services

import (
	"context"
	"sync"
	"time"

	"github.com/neonpro/continuity/internal/models"
	"github.com/rs/zerolog"
)

// NetworkQualityProvider is the platform's connectivity signal. The browser
// runtime, a mobile shell or a test double all satisfy it the same way.
type NetworkQualityProvider interface {
	Sample(ctx context.Context) (models.LinkSample, error)
}

// Classification thresholds, loosely mirroring effective-connection-type
// buckets: 4g-class links are excellent, 3g-class good, anything slower poor.
const (
	excellentDownlinkMbps = 10.0
	excellentMaxRTT       = 150 * time.Millisecond
	poorDownlinkMbps      = 1.0
	poorMinRTT            = 600 * time.Millisecond
)

// NetworkMonitor classifies the platform link signal into the
// online|offline x excellent|good|poor grades the flush process keys off.
type NetworkMonitor struct {
	provider NetworkQualityProvider
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	last        models.NetworkQuality
	subscribers []func(models.NetworkQuality)
}

func NewNetworkMonitor(provider NetworkQualityProvider, logger zerolog.Logger) *NetworkMonitor {
	return &NetworkMonitor{
		provider: provider,
		logger:   logger.With().Str("component", "netmon").Logger(),
		now:      time.Now,
		last: models.NetworkQuality{
			Connectivity: models.ConnOffline,
			Quality:      models.LinkPoor,
		},
	}
}

// Refresh samples the provider, classifies the result and notifies
// subscribers when the classification changed.
func (m *NetworkMonitor) Refresh(ctx context.Context) (models.NetworkQuality, error) {
	sample, err := m.provider.Sample(ctx)
	if err != nil {
		// A failed sample is indistinguishable from being offline.
		m.logger.Warn().Err(err).Msg("network sample failed, assuming offline")
		sample = models.LinkSample{Online: false}
	}

	quality := Classify(sample)
	quality.SampledAt = m.now()

	m.mu.Lock()
	changed := quality.Connectivity != m.last.Connectivity || quality.Quality != m.last.Quality
	m.last = quality
	subs := make([]func(models.NetworkQuality), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	if changed {
		m.logger.Info().
			Str("connectivity", string(quality.Connectivity)).
			Str("quality", string(quality.Quality)).
			Msg("link classification changed")
		for _, fn := range subs {
			fn(quality)
		}
	}
	return quality, nil
}

// Last returns the most recent classification without sampling.
func (m *NetworkMonitor) Last() models.NetworkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe registers a callback invoked whenever the classification changes.
func (m *NetworkMonitor) Subscribe(fn func(models.NetworkQuality)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Classify grades a raw link sample.
func Classify(sample models.LinkSample) models.NetworkQuality {
	if !sample.Online {
		return models.NetworkQuality{
			Connectivity: models.ConnOffline,
			Quality:      models.LinkPoor,
		}
	}

	quality := models.LinkGood
	switch {
	case sample.DownlinkMbps < poorDownlinkMbps || sample.RTT >= poorMinRTT:
		quality = models.LinkPoor
	case sample.DownlinkMbps >= excellentDownlinkMbps && sample.RTT < excellentMaxRTT:
		quality = models.LinkExcellent
	}

	return models.NetworkQuality{
		Connectivity: models.ConnOnline,
		Quality:      quality,
	}
}
