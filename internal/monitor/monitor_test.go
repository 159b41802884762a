package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/filebed"
)

func TestLogUsageAccumulatesCounters(t *testing.T) {
	m := New()

	m.LogUsage(context.Background(), bridge.UsageRecord{RequestID: "r1", Model: "m1", Stream: true})
	m.LogUsage(context.Background(), bridge.UsageRecord{RequestID: "r2", Model: "m1", Stream: false, ErrorKind: bridge.KindPeerTimeout})

	counters, _, history := m.Snapshot()
	if counters.Total != 2 {
		t.Errorf("total = %d, want 2", counters.Total)
	}
	if counters.Streaming != 1 {
		t.Errorf("streaming = %d, want 1", counters.Streaming)
	}
	if counters.ErrorsByKind[bridge.KindPeerTimeout] != 1 {
		t.Errorf("error count = %d, want 1", counters.ErrorsByKind[bridge.KindPeerTimeout])
	}
	if len(history) != 2 || history[0].RequestID != "r1" || history[1].RequestID != "r2" {
		t.Errorf("history = %+v", history)
	}
}

func TestSnapshotReportsCacheOccupancy(t *testing.T) {
	urlCache, err := filebed.NewURLCache(10, time.Hour)
	if err != nil {
		t.Fatalf("NewURLCache: %v", err)
	}
	urlCache.Put("sha", "https://example.com/1")

	disabled := bridge.NewDisabledEndpoints()
	disabled.Disable("bad-endpoint")

	registry := bridge.NewRequestRegistry()
	registry.Create(&bridge.RequestRecord{RequestID: "r1"}, 1)

	m := New()
	m.Registry = registry
	m.URLCache = urlCache
	m.Disabled = disabled

	_, stats, _ := m.Snapshot()
	if stats.PendingRequests != 1 {
		t.Errorf("pending requests = %d, want 1", stats.PendingRequests)
	}
	if stats.URLCacheEntries != 1 {
		t.Errorf("url cache entries = %d, want 1", stats.URLCacheEntries)
	}
	if stats.DisabledEndpoints != 1 {
		t.Errorf("disabled endpoints = %d, want 1", stats.DisabledEndpoints)
	}
}

func TestHistoryWrapsAfterLimit(t *testing.T) {
	m := New()
	for i := 0; i < historySize+5; i++ {
		m.LogUsage(context.Background(), bridge.UsageRecord{RequestID: string(rune('a' + i%26))})
	}

	_, _, history := m.Snapshot()
	if len(history) != historySize {
		t.Fatalf("history length = %d, want %d", len(history), historySize)
	}
}
