package workflow

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Delphi/pkg/corpus"
	"github.com/wehubfusion/Delphi/pkg/query"
)

func TestRunContextDepositBeforeInitialize(t *testing.T) {
	rc := NewRunContext("run-1", "query")

	_, _, _, err := rc.Deposit(ResultEvent{Index: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before plan was recorded")
}

func TestRunContextDepositOutOfRange(t *testing.T) {
	rc := NewRunContext("run-1", "query")
	rc.Initialize(2)

	_, _, _, err := rc.Deposit(ResultEvent{Index: 2})
	assert.Error(t, err)

	_, _, _, err = rc.Deposit(ResultEvent{Index: -1})
	assert.Error(t, err)
}

func TestRunContextDepositDuplicate(t *testing.T) {
	rc := NewRunContext("run-1", "query")
	rc.Initialize(2)

	_, _, _, err := rc.Deposit(ResultEvent{Index: 0})
	require.NoError(t, err)

	_, _, _, err = rc.Deposit(ResultEvent{Index: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate result")
}

func TestRunContextCompletesOnLastArrival(t *testing.T) {
	rc := NewRunContext("run-1", "query")
	rc.Initialize(3)

	arrived, complete, snapshot, err := rc.Deposit(ResultEvent{Index: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, arrived)
	assert.False(t, complete)
	assert.Nil(t, snapshot)

	arrived, complete, snapshot, err = rc.Deposit(ResultEvent{Index: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, arrived)
	assert.False(t, complete)
	assert.Nil(t, snapshot)

	arrived, complete, snapshot, err = rc.Deposit(ResultEvent{Index: 0, Err: "backend down"})
	require.NoError(t, err)
	assert.Equal(t, 3, arrived)
	assert.True(t, complete)
	require.Len(t, snapshot, 3)
	assert.Equal(t, "backend down", snapshot[0].Err)
}

// Results are snapshotted in dispatch order regardless of arrival order.
func TestRunContextSnapshotPreservesDispatchOrder(t *testing.T) {
	rc := NewRunContext("run-1", "query")
	rc.Initialize(3)

	for _, idx := range []int{2, 0, 1} {
		_, _, _, err := rc.Deposit(ResultEvent{
			Index: idx,
			Task:  query.RetrievalTask{RewrittenQuery: fmt.Sprintf("task-%d", idx)},
			Documents: []corpus.Document{
				{FileName: fmt.Sprintf("doc-%d.pdf", idx)},
			},
		})
		require.NoError(t, err)
	}

	snapshot := rc.Snapshot()
	require.Len(t, snapshot, 3)
	for i, result := range snapshot {
		assert.Equal(t, i, result.Index)
		assert.Equal(t, fmt.Sprintf("task-%d", i), result.Task.RewrittenQuery)
	}
}

// The barrier must fire exactly once no matter how results interleave. This
// hammers Deposit from one goroutine per slot with randomized scheduling.
func TestRunContextFiresExactlyOnceUnderConcurrency(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		n := rand.Intn(20) + 2
		rc := NewRunContext("run-stress", "query")
		rc.Initialize(n)

		var wg sync.WaitGroup
		var mu sync.Mutex
		fires := 0

		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				time.Sleep(time.Duration(rand.Intn(500)) * time.Microsecond)
				_, complete, snapshot, err := rc.Deposit(ResultEvent{Index: index})
				assert.NoError(t, err)
				if complete {
					mu.Lock()
					fires++
					mu.Unlock()
					assert.Len(t, snapshot, n)
				} else {
					assert.Nil(t, snapshot)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, fires, "trial %d with %d tasks", trial, n)
		assert.Equal(t, n, rc.Arrived())
	}
}

func TestRunContextSnapshotBeforeInitialize(t *testing.T) {
	rc := NewRunContext("run-1", "query")
	assert.Nil(t, rc.Snapshot())
	assert.Equal(t, -1, rc.Expected())
}
