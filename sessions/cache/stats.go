// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"sync"
	"time"
)

// MinSamples is how many hits and misses Effective needs before it judges.
const MinSamples = 50

// StatsWindow is how many recent lookups Stats covers.
const StatsWindow = 1000

// Stats summarizes cache effectiveness over the last StatsWindow lookups.
type Stats struct {
	Hits            int64         `json:"hits"`
	Misses          int64         `json:"misses"`
	Fallbacks       int64         `json:"fallbacks"`
	AvgHitLatency   time.Duration `json:"avg_hit_latency"`
	AvgStoreLatency time.Duration `json:"avg_store_latency"`
}

// HitRatio is hits over all served validations.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Effective reports whether the hit path is at least an order of
// magnitude faster than the store path. It is true until enough samples
// exist to say otherwise.
func (s Stats) Effective() bool {
	if s.Hits < MinSamples || s.Misses < MinSamples {
		return true
	}
	return s.AvgStoreLatency >= 10*s.AvgHitLatency
}

type outcome uint8

const (
	outcomeHit outcome = iota + 1
	outcomeMiss
	outcomeFallback
)

type lookupSample struct {
	kind    outcome
	latency time.Duration
}

// counters is a ring of the most recent lookups.
type counters struct {
	mu      sync.Mutex
	samples []lookupSample
	next    int
	filled  int
}

func newCounters(size int) *counters {
	if size <= 0 {
		size = StatsWindow
	}
	return &counters{samples: make([]lookupSample, size)}
}

func (c *counters) add(kind outcome, d time.Duration) {
	c.mu.Lock()
	c.samples[c.next] = lookupSample{kind: kind, latency: d}
	c.next = (c.next + 1) % len(c.samples)
	if c.filled < len(c.samples) {
		c.filled++
	}
	c.mu.Unlock()
}

func (c *counters) hit(d time.Duration) { c.add(outcomeHit, d) }

func (c *counters) miss(d time.Duration) { c.add(outcomeMiss, d) }

func (c *counters) fallback() { c.add(outcomeFallback, 0) }

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var (
		s                  Stats
		hitTime, storeTime time.Duration
	)
	for _, smp := range c.samples[:c.filled] {
		switch smp.kind {
		case outcomeHit:
			s.Hits++
			hitTime += smp.latency
		case outcomeMiss:
			s.Misses++
			storeTime += smp.latency
		case outcomeFallback:
			s.Fallbacks++
		}
	}
	if s.Hits > 0 {
		s.AvgHitLatency = hitTime / time.Duration(s.Hits)
	}
	if s.Misses > 0 {
		s.AvgStoreLatency = storeTime / time.Duration(s.Misses)
	}
	return s
}
