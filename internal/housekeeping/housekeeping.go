// Package housekeeping runs the fixed-cadence sweep that keeps the bridge's
// in-memory state bounded: expired file-bed URL cache entries, re-enabled
// file-bed endpoints, stale in-flight request records, and (under memory
// pressure) a trim of the image base64 cache.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/worldline-go/hardloop"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/filebed"
	"github.com/rakunlabs/arenabridge/internal/imagepipeline"
)

// cronRunner is satisfied by hardloop's unexported cron-job type returned
// from hardloop.NewCron, letting Monitor hold it without naming the
// unexported struct directly.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Monitor owns the periodic sweep. It is built once at startup and started
// with the process's root context.
type Monitor struct {
	Registry   *bridge.RequestRegistry
	Disabled   *bridge.DisabledEndpoints
	URLCache   *filebed.URLCache
	ImageCache *imagepipeline.ImageBase64Cache

	job cronRunner
}

// Start builds and starts the hardloop cron runner firing every
// housekeeping_interval_seconds, derived from the loaded config at call
// time. Returns once the first tick has been scheduled; the runner itself
// ticks in the background until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	interval := config.Current().HousekeepingIntervalSeconds
	if interval <= 0 {
		interval = 60
	}

	job, err := hardloop.NewCron(hardloop.Cron{
		Name:  "housekeeping-sweep",
		Specs: []string{fmt.Sprintf("@every %ds", interval)},
		Func:  m.sweep,
	})
	if err != nil {
		return fmt.Errorf("housekeeping: build cron runner: %w", err)
	}

	if err := job.Start(ctx); err != nil {
		return fmt.Errorf("housekeeping: start cron runner: %w", err)
	}

	m.job = job
	return nil
}

// Stop halts the sweep runner. Safe to call on a Monitor that was never
// started.
func (m *Monitor) Stop() {
	if m.job != nil {
		m.job.Stop()
	}
}

// sweep runs one housekeeping pass: reap stale request records, re-enable
// recovered file-bed endpoints, expire stale file-bed URL cache entries,
// and trim the image cache if the process is under memory pressure.
func (m *Monitor) sweep(ctx context.Context) error {
	cfg := config.Current()

	cutoff := time.Now().Add(-time.Duration(cfg.MetadataTimeoutMinutes) * time.Minute)
	if reaped := m.Registry.ReapOlderThan(cutoff, terminalFragment); len(reaped) > 0 {
		slog.Info("housekeeping: reaped stale in-flight requests", "count", len(reaped))
	}

	if reenabled := m.Disabled.Sweep(filebed.RecoveryTime); len(reenabled) > 0 {
		slog.Info("housekeeping: re-enabled file-bed endpoints", "endpoints", reenabled)
	}

	if removed := m.URLCache.Sweep(); removed > 0 {
		slog.Info("housekeeping: expired file-bed url cache entries", "count", removed)
	}

	m.maybeTrimImageCache(cfg)

	return nil
}

// maybeTrimImageCache trims the image base64 cache down to its configured
// keep-size once the process's heap crosses the configured GC threshold,
// the same memory-pressure signal the teacher's scheduler-adjacent code
// reads via runtime.MemStats before taking a corrective action.
func (m *Monitor) maybeTrimImageCache(cfg *config.Config) {
	if m.ImageCache == nil || cfg.MemoryManagement.GCThresholdMB <= 0 {
		return
	}

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	heapMB := stats.HeapAlloc / (1024 * 1024)

	if int(heapMB) < cfg.MemoryManagement.GCThresholdMB {
		return
	}

	keep := cfg.MemoryManagement.CacheConfig.ImageCacheKeepSize
	removed := m.ImageCache.TrimTo(keep)
	if removed > 0 {
		slog.Warn("housekeeping: trimmed image cache under memory pressure", "heap_mb", heapMB, "removed", removed)
	}
	runtime.GC()
}

// terminalFragment is the error payload written to any queue reaped for
// staleness, matching the shape the Hub writes on an un-retried disconnect.
var terminalFragment = bridge.Fragment(`{"error":"request timed out waiting for a response"}`)
