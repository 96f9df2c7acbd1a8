package models

import "time"

type Connectivity string

const (
	ConnOnline  Connectivity = "online"
	ConnOffline Connectivity = "offline"
)

type LinkQuality string

const (
	LinkExcellent LinkQuality = "excellent"
	LinkGood      LinkQuality = "good"
	LinkPoor      LinkQuality = "poor"
)

// LinkSample is the raw platform signal a NetworkQualityProvider reports:
// connectivity plus effective bandwidth and round-trip characteristics.
type LinkSample struct {
	Online       bool
	DownlinkMbps float64
	RTT          time.Duration
}

// NetworkQuality is the classified link state that gates the flush process.
type NetworkQuality struct {
	Connectivity Connectivity `json:"connectivity"`
	Quality      LinkQuality  `json:"quality"`
	SampledAt    time.Time    `json:"sampled_at"`
}

func (q NetworkQuality) Online() bool {
	return q.Connectivity == ConnOnline
}

// BatchSize is how many actions a flush cycle submits per batch on this link.
func (q NetworkQuality) BatchSize() int {
	switch q.Quality {
	case LinkExcellent:
		return 3
	case LinkGood:
		return 2
	default:
		return 1
	}
}

// Concurrency bounds in-flight submissions within a batch.
func (q NetworkQuality) Concurrency() int {
	return q.BatchSize()
}

// Cooldown is the pause inserted between batches. Only poor links cool down.
func (q NetworkQuality) Cooldown() time.Duration {
	if q.Quality == LinkPoor {
		return 2 * time.Second
	}
	return 0
}
