// Package journalTest holds behaviour every journal backend must share.
package journalTest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/multichain-aa-go/pkg/journal"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises j. The journal must be empty and is closed by the last subtest.
func Run(t *testing.T, j journal.IJournal) {
	ctx := context.Background()

	t.Run("insertion order per run", func(t *testing.T) {
		runID := uuid.NewString()
		other := uuid.NewString()
		steps := []*journal.Entry{
			{RunID: runID, Kind: journal.Kind_UserOperation, ChainID: 11155111, Reference: "0xaa", Status: journal.Status_Submitted},
			{RunID: other, Kind: journal.Kind_Batch, ChainID: 31337, Reference: "batch-1", Status: journal.Status_Submitted},
			{RunID: runID, Kind: journal.Kind_UserOperation, ChainID: 11155111, Reference: "0xaa", Status: journal.Status_Confirmed},
			{RunID: runID, Kind: journal.Kind_UserOperation, ChainID: 11155420, Reference: "0xbb", Status: journal.Status_Failed, Detail: "AA21 didn't pay prefund"},
		}
		for _, e := range steps {
			require.NoError(t, j.Record(ctx, e))
		}

		entries, err := j.List(ctx, runID)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, journal.Status_Submitted, entries[0].Status)
		assert.Equal(t, journal.Status_Confirmed, entries[1].Status)
		assert.Equal(t, uint64(11155420), entries[2].ChainID)
		assert.Equal(t, "AA21 didn't pay prefund", entries[2].Detail)
		for _, e := range entries {
			assert.False(t, e.CreatedAt.IsZero())
		}

		latest := journal.Latest(entries, 11155111)
		require.NotNil(t, latest)
		assert.Equal(t, journal.Status_Confirmed, latest.Status)
	})

	t.Run("keeps given timestamps", func(t *testing.T) {
		runID := uuid.NewString()
		at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, j.Record(ctx, &journal.Entry{RunID: runID, Kind: journal.Kind_Authorization, CreatedAt: at}))

		entries, err := j.List(ctx, runID)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, at.Equal(entries[0].CreatedAt))
	})

	t.Run("unknown run is empty", func(t *testing.T) {
		entries, err := j.List(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("rejects invalid entries", func(t *testing.T) {
		assert.Error(t, j.Record(ctx, nil))
		assert.Error(t, j.Record(ctx, &journal.Entry{Kind: journal.Kind_Batch}))
		assert.Error(t, j.Record(ctx, &journal.Entry{RunID: "run", Kind: "transfer"}))
	})

	t.Run("concurrent writers", func(t *testing.T) {
		runID := uuid.NewString()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, j.Record(ctx, &journal.Entry{
					RunID:     runID,
					Kind:      journal.Kind_Batch,
					Reference: fmt.Sprintf("batch-%d", i),
				}))
			}(i)
		}
		wg.Wait()

		entries, err := j.List(ctx, runID)
		require.NoError(t, err)
		assert.Len(t, entries, 20)
	})

	t.Run("closed", func(t *testing.T) {
		require.NoError(t, j.Close())
		require.NoError(t, j.Close())
		assert.ErrorIs(t, j.Record(ctx, &journal.Entry{RunID: "run", Kind: journal.Kind_Batch}), journal.ErrClosed)
		_, err := j.List(ctx, "run")
		assert.ErrorIs(t, err, journal.ErrClosed)
	})
}
