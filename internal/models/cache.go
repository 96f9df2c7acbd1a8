package models

import "time"

type CachePriority string

const (
	CacheCritical CachePriority = "critical"
	CacheHigh     CachePriority = "high"
	CacheNormal   CachePriority = "normal"
	CacheLow      CachePriority = "low"
)

// Rank orders cache priorities for eviction. Higher rank evicts first.
func (p CachePriority) Rank() int {
	switch p {
	case CacheCritical:
		return 0
	case CacheHigh:
		return 1
	case CacheNormal:
		return 2
	default:
		return 3
	}
}

// PatientCacheEntry is a locally retained snapshot of a patient record kept
// for offline and emergency lookup.
type PatientCacheEntry struct {
	ID             string        `json:"id"`
	Data           []byte        `json:"data"`
	SizeBytes      int64         `json:"size_bytes"`
	Priority       CachePriority `json:"priority"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	LastModifiedAt time.Time     `json:"last_modified_at"`
}
