package batch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// TestRunCollectsResultsInOrder checks results line up with the input IDs
// whatever order the calls finish in.
func TestRunCollectsResultsInOrder(t *testing.T) {
	ids := []int{4, 2, 9, 0}
	rep := Run(context.Background(), ids, 4, func(_ context.Context, id int) (string, error) {
		// Later IDs finish first.
		time.Sleep(time.Duration(10-id) * time.Millisecond)
		return strconv.Itoa(id * 10), nil
	})

	require.Len(t, rep.Results, 4)
	for i, res := range rep.Results {
		assert.Equal(t, ids[i], res.NodeID)
		assert.Equal(t, strconv.Itoa(ids[i]*10), res.Detail)
		assert.NoError(t, res.Err)
	}
	assert.NotEmpty(t, rep.ID)
	assert.NoError(t, rep.Err())
}

// TestRunDoesNotAbortOnFailure verifies every node is attempted when siblings fail.
func TestRunDoesNotAbortOnFailure(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32

	rep := Run(context.Background(), seq(7), 2, func(_ context.Context, id int) (string, error) {
		calls.Add(1)
		if id%3 == 0 {
			return "", boom
		}
		return "ok", nil
	})

	assert.Equal(t, int32(7), calls.Load())
	assert.Len(t, rep.Failed(), 3) // 0, 3, 6
	assert.Len(t, rep.Succeeded(), 4)
	for _, res := range rep.Failed() {
		assert.ErrorIs(t, res.Err, boom)
	}
	assert.ErrorContains(t, rep.Err(), "3 of 7 nodes failed")
}

// TestRunRecoversPanics turns a panicking op into a failed result.
func TestRunRecoversPanics(t *testing.T) {
	rep := Run(context.Background(), seq(3), 3, func(_ context.Context, id int) (string, error) {
		if id == 1 {
			panic("node exploded")
		}
		return "", nil
	})

	require.Len(t, rep.Failed(), 1)
	assert.Equal(t, 1, rep.Failed()[0].NodeID)
	assert.ErrorContains(t, rep.Failed()[0].Err, "node exploded")
}

// TestRunWaves checks that no call of a later wave starts before every call
// of the current wave has returned.
func TestRunWaves(t *testing.T) {
	const concurrency = 3
	var (
		mu       sync.Mutex
		finished = map[int]bool{}
	)

	rep := Run(context.Background(), seq(8), concurrency, func(_ context.Context, id int) (string, error) {
		mu.Lock()
		wave := id / concurrency
		for prev := 0; prev < wave*concurrency; prev++ {
			if !finished[prev] {
				mu.Unlock()
				return "", errors.New("started before earlier wave finished")
			}
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		finished[id] = true
		mu.Unlock()
		return "", nil
	})

	assert.Empty(t, rep.Failed())
}

func TestRunEmptyAndBadConcurrency(t *testing.T) {
	rep := Run(context.Background(), nil, 4, func(context.Context, int) (string, error) {
		t.Error("op must not be called")
		return "", nil
	})
	assert.Empty(t, rep.Results)
	assert.NoError(t, rep.Err())

	var calls atomic.Int32
	rep = Run(context.Background(), seq(3), 0, func(context.Context, int) (string, error) {
		calls.Add(1)
		return "", nil
	})
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, rep.Succeeded(), 3)
}

// TestPropertyBatchCompleteness checks op runs exactly once per ID, never
// more than the concurrency bound at once, and that Run returns only after
// every call has completed.
func TestPropertyBatchCompleteness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every id once, bounded, all complete", prop.ForAll(
		func(n, concurrency int) bool {
			var (
				mu        sync.Mutex
				counts    = make(map[int]int)
				active    atomic.Int32
				peak      atomic.Int32
				completed atomic.Int32
			)
			rep := Run(context.Background(), seq(n), concurrency, func(_ context.Context, id int) (string, error) {
				cur := active.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				mu.Lock()
				counts[id]++
				mu.Unlock()
				time.Sleep(time.Duration(id%3) * time.Millisecond)
				active.Add(-1)
				completed.Add(1)
				return "", nil
			})

			if int(completed.Load()) != n || len(rep.Results) != n {
				return false
			}
			if int(peak.Load()) > concurrency {
				return false
			}
			for i := 0; i < n; i++ {
				if counts[i] != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
