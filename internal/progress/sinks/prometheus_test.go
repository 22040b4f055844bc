package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

func sampleBatch() []progress.Event {
	const jobID = "0190b6a4-0000-7000-8000-000000000001"
	now := time.Now()
	return []progress.Event{
		{JobID: jobID, TS: now, Stage: progress.StageJobStart},
		{JobID: jobID, TS: now, Stage: progress.StagePhase, State: "harvesting", Total: 3},
		{JobID: jobID, TS: now, Stage: progress.StageItemDone, Item: "Basic Set", Bytes: 1024, Dur: 200 * time.Millisecond},
		{JobID: jobID, TS: now, Stage: progress.StageItemError, Item: "Campaigns", Kind: "retry_exhausted", Dur: time.Second},
		{JobID: jobID, TS: now, Stage: progress.StageJobDone, Dur: 15 * time.Second},
	}
}

// TestPrometheusSinkRecordsMetrics ensures counters and gauges follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("summarized")))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.itemsDiscovered))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsFinished.WithLabelValues("succeeded", "")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsFinished.WithLabelValues("failed", "retry_exhausted")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.payloadBytes), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobPhase.WithLabelValues("summarized")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.itemDuration, "harvester_progress_item_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 5)
	require.Equal(t, zap.DebugLevel, entries[2].Level)
	require.Equal(t, zap.WarnLevel, entries[3].Level)
	require.Equal(t, "retry_exhausted", entries[3].ContextMap()["kind"])
	require.Equal(t, "Campaigns", entries[3].ContextMap()["item"])
}
