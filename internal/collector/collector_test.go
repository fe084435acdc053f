package collector

// ============================================================================
// Result Collector Test File
// Purpose: Verify non-blocking snapshots, limited waits, partial timeout
// behavior, and per-id aggregation of mixed outcomes
// ============================================================================

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krizzo101/arbor/internal/store"
	"github.com/krizzo101/arbor/pkg/types"
)

// ============================================================================
// Test Fixtures
// ============================================================================

// seed creates a pending job with the given id.
func seed(t *testing.T, st *store.Store, id types.JobID) {
	t.Helper()
	_, err := st.Create(types.Job{ID: id, Task: "task " + string(id)})
	require.NoError(t, err)
}

// start moves a pending job to running.
func start(t *testing.T, st *store.Store, id types.JobID) {
	t.Helper()
	applied, err := st.Transition(id, types.StateRunning, nil, nil)
	require.NoError(t, err)
	require.True(t, applied)
}

// complete drives a pending job to completed with the given payload.
func complete(t *testing.T, st *store.Store, id types.JobID, payload string) {
	t.Helper()
	start(t, st, id)
	applied, err := st.Transition(id, types.StateCompleted,
		&types.Result{Payload: json.RawMessage(payload)}, nil)
	require.NoError(t, err)
	require.True(t, applied)
}

// fail drives a pending job to failed with the given message.
func fail(t *testing.T, st *store.Store, id types.JobID, msg string) {
	t.Helper()
	start(t, st, id)
	applied, err := st.Transition(id, types.StateFailed, nil,
		&types.Failure{Kind: types.FailureWorker, Message: msg})
	require.NoError(t, err)
	require.True(t, applied)
}

// ============================================================================
// Non-Blocking Snapshot Tests
// ============================================================================

// TestCollectImmediate tests the wait=false snapshot mode
func TestCollectImmediate(t *testing.T) {
	st := store.New()
	c := New(st)

	seed(t, st, "done")
	seed(t, st, "broken")
	seed(t, st, "busy")
	complete(t, st, "done", `{"answer":42}`)
	fail(t, st, "broken", "boom")
	start(t, st, "busy")

	coll, err := c.Collect(context.Background(), []types.JobID{"done", "broken", "busy"}, false, 0)
	require.NoError(t, err)

	assert.Len(t, coll.Jobs, 3)
	assert.Equal(t, types.StateCompleted, coll.Jobs["done"].State)
	assert.Equal(t, types.StateFailed, coll.Jobs["broken"].State)
	assert.Equal(t, types.StateRunning, coll.Jobs["busy"].State)
	assert.Equal(t, []types.JobID{"busy"}, coll.Pending)
	assert.False(t, coll.Done())
}

// TestCollectEmpty tests collecting an empty id list
func TestCollectEmpty(t *testing.T) {
	c := New(store.New())

	coll, err := c.Collect(context.Background(), nil, true, time.Second)
	require.NoError(t, err)
	assert.Empty(t, coll.Jobs)
	assert.True(t, coll.Done())
}

// TestCollectUnknownID tests that unknown ids fail before any waiting
func TestCollectUnknownID(t *testing.T) {
	st := store.New()
	c := New(st)
	seed(t, st, "known")

	begin := time.Now()
	_, err := c.Collect(context.Background(), []types.JobID{"known", "ghost"}, true, 5*time.Second)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
	assert.Less(t, time.Since(begin), time.Second, "unknown id must not trigger the wait")
}

// TestCollectDuplicateIDs tests that repeated ids are collapsed
func TestCollectDuplicateIDs(t *testing.T) {
	st := store.New()
	c := New(st)
	seed(t, st, "twice")

	coll, err := c.Collect(context.Background(), []types.JobID{"twice", "twice"}, false, 0)
	require.NoError(t, err)
	assert.Len(t, coll.Jobs, 1)
	assert.Equal(t, []types.JobID{"twice"}, coll.Pending)
}

// ============================================================================
// Waiting Tests
// ============================================================================

// TestCollectWaitAllTerminal tests blocking until every job finishes
func TestCollectWaitAllTerminal(t *testing.T) {
	st := store.New()
	c := New(st)

	ids := []types.JobID{"a", "b", "c"}
	for _, id := range ids {
		seed(t, st, id)
	}

	// Finish the jobs from another goroutine while the collector waits
	go func() {
		for i, id := range ids {
			time.Sleep(time.Duration(i+1) * 20 * time.Millisecond)
			complete(t, st, id, `"ok"`)
		}
	}()

	coll, err := c.Collect(context.Background(), ids, true, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, coll.Done())
	for _, id := range ids {
		assert.Equal(t, types.StateCompleted, coll.Jobs[id].State)
	}
}

// TestCollectWaitNoTimeout tests that timeout <= 0 means wait indefinitely
func TestCollectWaitNoTimeout(t *testing.T) {
	st := store.New()
	c := New(st)
	seed(t, st, "slow")

	go func() {
		time.Sleep(50 * time.Millisecond)
		complete(t, st, "slow", `"ok"`)
	}()

	coll, err := c.Collect(context.Background(), []types.JobID{"slow"}, true, 0)
	require.NoError(t, err)
	assert.True(t, coll.Done())
}

// TestCollectPartialTimeout tests that a timeout returns data, not an error
func TestCollectPartialTimeout(t *testing.T) {
	st := store.New()
	c := New(st)

	seed(t, st, "fast-1")
	seed(t, st, "fast-2")
	seed(t, st, "stuck")
	complete(t, st, "fast-1", `"one"`)
	complete(t, st, "fast-2", `"two"`)
	start(t, st, "stuck") // never finishes

	begin := time.Now()
	coll, err := c.Collect(context.Background(),
		[]types.JobID{"fast-1", "fast-2", "stuck"}, true, 100*time.Millisecond)
	elapsed := time.Since(begin)

	require.NoError(t, err, "partial timeout is data, not an error")
	assert.Len(t, coll.Jobs, 3)
	assert.Equal(t, []types.JobID{"stuck"}, coll.Pending)
	assert.Equal(t, types.StateCompleted, coll.Jobs["fast-1"].State)
	assert.Equal(t, types.StateCompleted, coll.Jobs["fast-2"].State)
	assert.Equal(t, types.StateRunning, coll.Jobs["stuck"].State)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

// TestCollectContextCancelled tests caller-side cancellation during a wait
func TestCollectContextCancelled(t *testing.T) {
	st := store.New()
	c := New(st)
	seed(t, st, "waiting")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	coll, err := c.Collect(ctx, []types.JobID{"waiting"}, true, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, coll, "partial progress survives cancellation")
	assert.Equal(t, []types.JobID{"waiting"}, coll.Pending)
}

// TestCollectDoesNotBlockOthers tests that one waiter never stalls another
func TestCollectDoesNotBlockOthers(t *testing.T) {
	st := store.New()
	c := New(st)
	seed(t, st, "forever")
	seed(t, st, "quick")
	complete(t, st, "quick", `"ok"`)

	// A long wait on one job is in flight
	go func() {
		_, _ = c.Collect(context.Background(), []types.JobID{"forever"}, true, 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	// An unrelated collect proceeds immediately
	begin := time.Now()
	coll, err := c.Collect(context.Background(), []types.JobID{"quick"}, true, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, coll.Done())
	assert.Less(t, time.Since(begin), time.Second)
}

// ============================================================================
// Aggregation Tests
// ============================================================================

// TestAggregate tests per-id attribution of mixed outcomes
func TestAggregate(t *testing.T) {
	st := store.New()
	c := New(st)

	seed(t, st, "win")
	seed(t, st, "lose")
	seed(t, st, "cut")
	complete(t, st, "win", `{"total":10}`)
	fail(t, st, "lose", "exit status 3")
	applied, err := st.Transition("cut", types.StateKilled, nil,
		&types.Failure{Kind: types.FailureKilled, Message: "killed"})
	require.NoError(t, err)
	require.True(t, applied)

	combined, err := c.Aggregate(context.Background(),
		[]types.JobID{"win", "lose", "cut"}, time.Second)
	require.NoError(t, err)

	require.Contains(t, combined.Results, types.JobID("win"))
	assert.JSONEq(t, `{"total":10}`, string(combined.Results["win"].Payload))

	require.Contains(t, combined.Failures, types.JobID("lose"))
	assert.Equal(t, types.FailureWorker, combined.Failures["lose"].Kind)
	require.Contains(t, combined.Failures, types.JobID("cut"))
	assert.Equal(t, types.FailureKilled, combined.Failures["cut"].Kind)

	assert.Empty(t, combined.Pending)
}

// TestAggregatePartial tests aggregation with a never-finishing member
func TestAggregatePartial(t *testing.T) {
	st := store.New()
	c := New(st)

	seed(t, st, "ready")
	seed(t, st, "stuck")
	complete(t, st, "ready", `"ok"`)
	start(t, st, "stuck")

	combined, err := c.Aggregate(context.Background(),
		[]types.JobID{"ready", "stuck"}, 80*time.Millisecond)
	require.NoError(t, err)

	assert.Contains(t, combined.Results, types.JobID("ready"))
	assert.NotContains(t, combined.Results, types.JobID("stuck"))
	assert.NotContains(t, combined.Failures, types.JobID("stuck"))
	assert.Equal(t, []types.JobID{"stuck"}, combined.Pending)
}
