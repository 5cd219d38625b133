package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/saltfish/paramsearch/internal/domain"
)

func newJob(id, planID, symbol, timeframe string, priority int) *domain.Job {
	return &domain.Job{
		ID:        id,
		PlanID:    planID,
		Symbol:    symbol,
		Timeframe: timeframe,
		Priority:  priority,
		Status:    domain.JobStatusPending,
	}
}

func drain(q *Queue, planID string) []string {
	var ids []string
	for {
		j, ok := q.DequeueNext(planID)
		if !ok {
			return ids
		}
		ids = append(ids, j.ID)
	}
}

func TestQueue_DequeueOrder(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	q.SetSymbolRanks([]string{"ETHUSDT", "BTCUSDT"})

	q.EnqueueAll([]*domain.Job{
		newJob("low-priority", "p", "BTCUSDT", "d1", 5),
		newJob("h1-btc", "p", "BTCUSDT", "h1", 1),
		newJob("d1-btc", "p", "BTCUSDT", "d1", 1),
		newJob("d1-eth", "p", "ETHUSDT", "d1", 1),
		newJob("d1-ada", "p", "ADAUSDT", "d1", 1),
		newJob("d1-xrp", "p", "XRPUSDT", "d1", 1),
	})

	assert.Equal(t, []string{"d1-eth", "d1-btc", "d1-ada", "d1-xrp", "h1-btc", "low-priority"}, drain(q, "p"))
}

func TestQueue_DequeueFiltersPlan(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	q.EnqueueAll([]*domain.Job{
		newJob("a1", "a", "BTCUSDT", "h1", 0),
		newJob("b1", "b", "BTCUSDT", "h1", 0),
	})

	j, ok := q.DequeueNext("b")
	require.True(t, ok)
	assert.Equal(t, "b1", j.ID)
	assert.Equal(t, domain.JobStatusRunning, j.Status)
	assert.NotNil(t, j.StartedAt)

	_, ok = q.DequeueNext("b")
	assert.False(t, ok)

	stored, ok := q.Get("b1")
	require.True(t, ok)
	assert.Same(t, j, stored)
}

func TestQueue_ConcurrentDequeueNeverDuplicates(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	const jobs = 500
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Enqueue(newJob(fmt.Sprintf("job-%03d", i), "p", "BTCUSDT", "h1", i%3)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok := q.DequeueNext("p")
				if !ok {
					if q.Counts("p")[domain.JobStatusPending] == 0 {
						return
					}
					continue
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.Equal(t, jobs, q.Counts("p")[domain.JobStatusRunning])
}

func TestQueue_PriorityTiersRespected(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		q.EnqueueAll([]*domain.Job{
			newJob(fmt.Sprintf("urgent-%d", i), "p", "BTCUSDT", "h1", 0),
			newJob(fmt.Sprintf("later-%d", i), "p", "BTCUSDT", "h1", 1),
		})
	}

	var wg sync.WaitGroup
	first := make(chan *domain.Job, 10)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, ok := q.DequeueNext("p")
			if ok {
				first <- j
			}
		}()
	}
	wg.Wait()
	close(first)

	for j := range first {
		assert.Equal(t, 0, j.Priority, j.ID)
	}
}

func TestQueue_UpdateNotifiesOnStatusChange(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	var changes []string
	q.OnStatusChanged(func(prev, next *domain.Job) {
		from := "none"
		if prev != nil {
			from = prev.Status.String()
		}
		changes = append(changes, from+"->"+next.Status.String())
	})

	job := newJob("j", "p", "BTCUSDT", "h1", 0)
	require.NoError(t, q.Enqueue(job))

	same := job.Clone()
	same.Priority = 3
	require.NoError(t, q.Update(same))

	running, ok := q.DequeueNext("p")
	require.True(t, ok)
	done, err := running.Complete(&domain.JobResult{BestFitness: 1.2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Update(done))

	assert.Equal(t, []string{"none->pending", "pending->running", "running->completed"}, changes)
}

func TestQueue_UpdateUnknown(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	err := q.Update(newJob("ghost", "p", "BTCUSDT", "h1", 0))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueue_EnqueueDuplicate(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(newJob("j", "p", "BTCUSDT", "h1", 0)))
	assert.ErrorIs(t, q.Enqueue(newJob("j", "p", "BTCUSDT", "h1", 0)), domain.ErrConflict)
	assert.Equal(t, 0, q.EnqueueAll([]*domain.Job{newJob("j", "p", "BTCUSDT", "h1", 0)}))
}

func TestQueue_CompareAndSwap(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	job := newJob("j", "p", "BTCUSDT", "h1", 0)
	require.NoError(t, q.Enqueue(job))

	cancelled, err := job.Cancel(time.Now())
	require.NoError(t, err)
	assert.True(t, q.CompareAndSwap(job, cancelled))
	assert.False(t, q.CompareAndSwap(job, cancelled))
}

func TestQueue_ListCountsRemove(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	q.EnqueueAll([]*domain.Job{
		newJob("a1", "a", "BTCUSDT", "h1", 1),
		newJob("a2", "a", "BTCUSDT", "h4", 1),
		newJob("b1", "b", "BTCUSDT", "h1", 0),
	})
	_, ok := q.DequeueNext("a")
	require.True(t, ok)

	list := q.List("a")
	require.Len(t, list, 2)
	assert.Equal(t, "a2", list[0].ID)

	assert.Equal(t, map[domain.JobStatus]int{domain.JobStatusRunning: 1, domain.JobStatusPending: 1}, q.Counts("a"))
	assert.Len(t, q.ListByStatus("a", domain.JobStatusPending), 1)
	assert.Equal(t, 3, q.Len())

	assert.Equal(t, 2, q.RemovePlan("a"))
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, q.List("a"))
}

type mockRankProvider struct {
	symbols []string
	err     error
}

func (m *mockRankProvider) GetTopSymbols(context.Context, string, int) ([]string, error) {
	return m.symbols, m.err
}

func TestQueue_LoadSymbolRanks(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	require.NoError(t, q.LoadSymbolRanks(context.Background(), &mockRankProvider{symbols: []string{"SOLUSDT"}}, "volume", 10))

	a := newJob("a", "p", "ADAUSDT", "h1", 0)
	s := newJob("s", "p", "SOLUSDT", "h1", 0)
	assert.Positive(t, q.Compare(a, s))

	err := q.LoadSymbolRanks(context.Background(), &mockRankProvider{err: errors.New("offline")}, "volume", 10)
	assert.Error(t, err)
	assert.Positive(t, q.Compare(a, s))
}

func TestQueue_DequeueNextOrdered(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	q.EnqueueAll([]*domain.Job{
		newJob("a", "p", "BTCUSDT", "h1", 0),
		newJob("b", "p", "BTCUSDT", "h1", 0),
	})

	reverse := func(c []*domain.Job) []*domain.Job {
		out := make([]*domain.Job, 0, len(c))
		for i := len(c) - 1; i >= 0; i-- {
			out = append(out, c[i])
		}
		return out
	}
	byID := func(c []*domain.Job) []*domain.Job {
		for _, j := range c {
			if j.ID == "b" {
				return append([]*domain.Job{j}, reverse(c)...)
			}
		}
		return c
	}
	j, ok := q.DequeueNextOrdered("p", byID)
	require.True(t, ok)
	assert.Equal(t, "b", j.ID)
}

func TestQueue_FiftyConcurrentDequeues(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Enqueue(newJob(fmt.Sprintf("job-%02d", i), "p", "BTCUSDT", "h1", 0)))
	}

	results := make(chan *domain.Job, 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if j, ok := q.DequeueNext("p"); ok {
				results <- j
			}
		}()
	}
	wg.Wait()
	close(results)

	ids := make(map[string]bool)
	for j := range results {
		assert.False(t, ids[j.ID], "job %s dequeued twice", j.ID)
		ids[j.ID] = true
	}
	assert.Len(t, ids, 50)
}

func TestQueue_CoarserTimeframeFirst(t *testing.T) {
	q := New(zaptest.NewLogger(t))
	q.EnqueueAll([]*domain.Job{
		newJob("m15", "p", "BTCUSDT", "m15", 1),
		newJob("h4", "p", "BTCUSDT", "h4", 1),
	})

	j, ok := q.DequeueNext("p")
	require.True(t, ok)
	assert.Equal(t, "h4", j.ID)
}
