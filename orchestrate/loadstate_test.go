package orchestrate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarkSelectedBumpsCounters(t *testing.T) {
	tracker := NewLoadTracker(nil)
	base := time.UnixMilli(1_700_000_000_000)
	tracker.now = func() time.Time { return base }

	tracker.MarkSelected([]string{"peer-a", "peer-b"})
	tracker.MarkSelected([]string{"peer-a"})

	a := tracker.Get("peer-a")
	require.Equal(t, 2, a.ActiveRequests)
	require.Equal(t, int64(2), a.TotalRequests)
	require.Equal(t, base.UnixMilli(), a.LastRequestTime)
	require.Equal(t, 1, tracker.Get("peer-b").ActiveRequests)
}

func TestApplyUpdateEWMA(t *testing.T) {
	tracker := NewLoadTracker(nil)
	tracker.MarkSelected([]string{"peer-a"})
	tracker.MarkSelected([]string{"peer-a"})

	tracker.ApplyUpdate("peer-a", 100, true)
	require.InDelta(t, 100, tracker.Get("peer-a").AverageLatency, 1e-9)

	tracker.ApplyUpdate("peer-a", 200, false)
	state := tracker.Get("peer-a")
	require.InDelta(t, 0.8*100+0.2*200, state.AverageLatency, 1e-9)
	require.Equal(t, int64(1), state.TotalErrors)
	require.InDelta(t, 0.5, state.SuccessRate, 1e-9)
	require.NoError(t, state.Validate())
}

func TestFinalizeReleaseFloorsAtZero(t *testing.T) {
	tracker := NewLoadTracker(nil)
	tracker.MarkSelected([]string{"peer-a"})
	tracker.FinalizeRelease([]string{"peer-a"})
	tracker.FinalizeRelease([]string{"peer-a"})
	require.Equal(t, 0, tracker.Get("peer-a").ActiveRequests)
}

func TestTotalRequestsCapped(t *testing.T) {
	tracker := NewLoadTracker(nil)
	tracker.replace(func(peers map[string]AgentLoadState) {
		peers["peer-a"] = AgentLoadState{TotalRequests: maxTotalRequests}
	})
	tracker.MarkSelected([]string{"peer-a"})
	require.Equal(t, int64(maxTotalRequests), tracker.Get("peer-a").TotalRequests)
}

func TestLoadSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "load.db")

	tracker, err := OpenLoadTracker(path, nil)
	require.NoError(t, err)
	tracker.MarkSelected([]string{"peer-a", "peer-b"})
	tracker.ApplyUpdate("peer-a", 42, true)
	before := tracker.Get("peer-a")
	require.NoError(t, tracker.Close())

	restored, err := OpenLoadTracker(path, nil)
	require.NoError(t, err)
	defer restored.Close()

	after := restored.Get("peer-a")
	require.Zero(t, after.ActiveRequests)
	require.Equal(t, before.TotalRequests, after.TotalRequests)
	require.Equal(t, before.AverageLatency, after.AverageLatency)
	require.Equal(t, before.SuccessRate, after.SuccessRate)
	require.NoError(t, after.Validate())
}

func TestResetDropsPeer(t *testing.T) {
	tracker := NewLoadTracker(nil)
	tracker.MarkSelected([]string{"peer-a"})
	tracker.Reset("peer-a")
	require.Zero(t, tracker.Get("peer-a"))
}
