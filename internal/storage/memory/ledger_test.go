package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

func TestLedgerRecordsPerJob(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	ctx := context.Background()
	require.NoError(t, l.RecordItem(ctx, "a", harvest.ItemRecord{Dir: "root/one", Status: harvest.StatusFailed}))
	require.NoError(t, l.RecordItem(ctx, "a", harvest.ItemRecord{Dir: "root/two", Status: harvest.StatusSucceeded}))
	require.NoError(t, l.RecordItem(ctx, "b", harvest.ItemRecord{Dir: "root/one"}))
	require.NoError(t, l.RecordItem(ctx, "a", harvest.ItemRecord{Dir: "root/one", Status: harvest.StatusSucceeded}))

	recs := l.Records("a")
	require.Len(t, recs, 2)
	require.Equal(t, "root/one", recs[0].Dir)
	require.Equal(t, harvest.StatusSucceeded, recs[0].Status)
	require.Len(t, l.Records("b"), 1)
	require.Empty(t, l.Records("c"))

	require.Error(t, l.RecordItem(ctx, "", harvest.ItemRecord{}))
}

func TestLedgerRecordJob(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	require.Error(t, l.RecordJob(context.Background(), harvest.Summary{}))
	require.NoError(t, l.RecordJob(context.Background(), harvest.Summary{JobID: "a", State: harvest.StateSummarized, Succeeded: 3}))

	s, ok := l.Job("a")
	require.True(t, ok)
	require.Equal(t, 3, s.Succeeded)
	_, ok = l.Job("b")
	require.False(t, ok)
}
