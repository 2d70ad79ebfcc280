package dedup

import (
	"sync"
	"time"

	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

const (
	// DefaultTTL bounds how long an order id is remembered before
	// reprocessing is permitted again.
	DefaultTTL = 24 * time.Hour
	// DefaultSweepInterval is how often the background sweep evicts
	// expired entries independent of lookups.
	DefaultSweepInterval = time.Hour
)

// ProcessedOrderInfo is one cache entry: when the order was first seen here,
// when it was last sighted, and how many sightings occurred.
type ProcessedOrderInfo struct {
	OrderID     string
	ProcessedAt time.Time
	LastSeenAt  time.Time
	SeenCount   int
}

// Stats is a point-in-time snapshot of the cache for operators.
type Stats struct {
	TotalTracked       int           `json:"total_tracked"`
	DuplicatesObserved int64         `json:"duplicates_observed"`
	OldestEntryAge     time.Duration `json:"oldest_entry_age"`
	NewestEntryAge     time.Duration `json:"newest_entry_age"`
}

// Suppressor is the in-memory, time-boxed duplicate cache layered in front
// of the durable idempotency ledger. It short-circuits rapid redelivery
// storms without a store round trip. It may be empty after a restart; the
// ledger stays the source of truth and correctness never depends on the
// cache alone.
type Suppressor struct {
	mu         sync.RWMutex
	entries    map[string]*ProcessedOrderInfo
	duplicates int64

	ttl    time.Duration
	sweep  time.Duration
	logger *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSuppressor creates an empty cache and starts its background sweep.
// Non-positive ttl or sweepInterval fall back to the defaults.
func NewSuppressor(ttl, sweepInterval time.Duration) *Suppressor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	s := &Suppressor{
		entries: make(map[string]*ProcessedOrderInfo),
		ttl:     ttl,
		sweep:   sweepInterval,
		logger:  util.GetLogger(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go s.sweepLoop()
	return s
}

// IsAlreadyProcessed reports whether the order id was marked within the TTL
// window. An expired entry is evicted on check and treated as absent.
func (s *Suppressor) IsAlreadyProcessed(orderID string) bool {
	s.mu.RLock()
	info, ok := s.entries[orderID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock; a sweep may have removed it.
	info, ok = s.entries[orderID]
	if !ok {
		return false
	}

	if time.Since(info.ProcessedAt) > s.ttl {
		delete(s.entries, orderID)
		util.DedupEntriesTracked.Set(float64(len(s.entries)))
		return false
	}

	info.LastSeenAt = time.Now()
	info.SeenCount++
	s.duplicates++
	return true
}

// MarkAsProcessed records a successful delivery for the order id.
func (s *Suppressor) MarkAsProcessed(orderID string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.entries[orderID]; ok {
		info.LastSeenAt = now
		info.SeenCount++
		return
	}

	s.entries[orderID] = &ProcessedOrderInfo{
		OrderID:     orderID,
		ProcessedAt: now,
		LastSeenAt:  now,
		SeenCount:   1,
	}
	util.DedupEntriesTracked.Set(float64(len(s.entries)))
}

// GetStats snapshots cache occupancy and entry ages.
func (s *Suppressor) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalTracked:       len(s.entries),
		DuplicatesObserved: s.duplicates,
	}

	now := time.Now()
	first := true
	for _, info := range s.entries {
		age := now.Sub(info.ProcessedAt)
		if first {
			stats.OldestEntryAge = age
			stats.NewestEntryAge = age
			first = false
			continue
		}
		if age > stats.OldestEntryAge {
			stats.OldestEntryAge = age
		}
		if age < stats.NewestEntryAge {
			stats.NewestEntryAge = age
		}
	}

	return stats
}

// Stop cancels the background sweep and waits for it to exit.
func (s *Suppressor) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Suppressor) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			evicted := s.evictExpired()
			if evicted > 0 {
				s.logger.Info("Evicted expired dedup entries",
					zap.Int("evicted", evicted))
			}
		}
	}
}

func (s *Suppressor) evictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, info := range s.entries {
		if time.Since(info.ProcessedAt) > s.ttl {
			delete(s.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		util.DedupEntriesTracked.Set(float64(len(s.entries)))
	}
	return evicted
}
