// ============================================================================
// Arbor 編排引擎整合測試套件
// ============================================================================
//
// Package: test/integration
// 文件: orchestration_test.go
// 功能: 端到端任務樹編排測試
//
// 測試目標:
//   以完整接線（store / ledger / scheduler / collector / results / archive）
//   驗證跨模組行為：
//   1. 遞迴任務樹：worker 在執行中派生自己的子任務
//   2. 併發批次准入的原子性（多個批次競爭同一額度不得超收）
//   3. 真平行執行（整批耗時約等於單一任務耗時）
//   4. 終態後帳本完全歸零、歸檔可查、結果檔落地
//
// TestRecursiveTreeLifecycle:
//   root(深度0) → 派生 3 個子任務(深度1) → 其中一個再派生 2 個孫任務(深度2)
//   → 中途終止一個孫任務 → collect 整棵樹 → 驗證:
//   - 總共建立 6 個任務
//   - 1 個 killed，5 個 completed
//   - 各深度的帳本計數歸零
//   - 歸檔與結果檔都有每個任務的終態快照
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krizzo101/arbor/internal/archive"
	"github.com/krizzo101/arbor/internal/collector"
	"github.com/krizzo101/arbor/internal/invoker"
	"github.com/krizzo101/arbor/internal/ledger"
	"github.com/krizzo101/arbor/internal/results"
	"github.com/krizzo101/arbor/internal/scheduler"
	"github.com/krizzo101/arbor/internal/store"
	"github.com/krizzo101/arbor/pkg/types"
)

// harness 一次測試的完整接線
type harness struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	collector *collector.Collector
	archive   *archive.Archive
}

// newHarness 以真實元件（含 sqlite 歸檔與結果檔目錄）組裝編排器
func newHarness(t *testing.T, limits types.Limits, fn invoker.Invoker) *harness {
	t.Helper()

	dir := t.TempDir()

	writer, err := results.NewWriter(filepath.Join(dir, "results"))
	require.NoError(t, err)

	arch, err := archive.Open(filepath.Join(dir, "arbor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { arch.Close() })

	st := store.New()
	sched, err := scheduler.New(scheduler.Options{
		Store:      st,
		Ledger:     ledger.New(limits),
		Invoker:    fn,
		Results:    writer,
		JobTimeout: 10 * time.Second,
		Archive:    arch,
	})
	require.NoError(t, err)
	t.Cleanup(sched.Stop)

	return &harness{
		store:     st,
		scheduler: sched,
		collector: collector.New(st),
		archive:   arch,
	}
}

// TestRecursiveTreeLifecycle 完整任務樹生命週期測試
//
// worker 以 invoker.Func 模擬：遇到派生指令時回呼調度器，
// 走與外部 worker 相同的准入路徑。
func TestRecursiveTreeLifecycle(t *testing.T) {
	limits := types.Limits{
		MaxDepth:             3,
		MaxTotalJobs:         20,
		MaxChildrenPerParent: 4,
		DefaultConcurrent:    10,
	}

	var h *harness
	worker := invoker.Func(func(ctx context.Context, req invoker.Request) (*types.Result, error) {
		parentID := req.JobID
		switch req.Task {
		case "root":
			// 根任務在執行中派生 3 個子任務（fan-out 後即完成，不等待）
			_, err := h.scheduler.SpawnBatch([]string{"fanout", "leaf", "leaf"}, &parentID)
			if err != nil {
				return nil, err
			}
		case "fanout":
			// 其中一個子任務再派生 2 個孫任務
			_, err := h.scheduler.SpawnBatch([]string{"hang", "leaf"}, &parentID)
			if err != nil {
				return nil, err
			}
		case "hang":
			// 等著被 kill
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &types.Result{Payload: json.RawMessage(`"done"`)}, nil
	})
	h = newHarness(t, limits, worker)

	root, err := h.scheduler.SpawnOne("root", nil)
	require.NoError(t, err)

	// 等整棵樹長齊：root + 3 子 + 2 孫 = 6
	require.Eventually(t, func() bool {
		return h.scheduler.Stats().TotalCreated == 6
	}, 5*time.Second, 10*time.Millisecond, "tree should grow to 6 jobs")

	all := h.scheduler.List(store.Filter{})
	require.Len(t, all, 6)

	// 深度不變量：每個任務的深度都等於父深度 +1
	byID := make(map[types.JobID]*types.Job, len(all))
	for _, job := range all {
		byID[job.ID] = job
	}
	var hangID types.JobID
	ids := make([]types.JobID, 0, len(all))
	for _, job := range all {
		ids = append(ids, job.ID)
		if job.ParentID == nil {
			assert.Equal(t, 0, job.Depth)
		} else {
			assert.Equal(t, byID[*job.ParentID].Depth+1, job.Depth)
		}
		if job.Task == "hang" {
			hangID = job.ID
		}
	}
	require.NotEmpty(t, hangID, "the hanging grandchild must exist")

	// 中途終止懸掛的孫任務
	require.NoError(t, h.scheduler.Kill(hangID))

	// 收集整棵樹
	coll, err := h.collector.Collect(context.Background(), ids, true, 5*time.Second)
	require.NoError(t, err)
	require.True(t, coll.Done(), "every job should be terminal, pending: %v", coll.Pending)

	byState := make(map[types.JobState]int)
	for _, job := range coll.Jobs {
		byState[job.State]++
	}
	assert.Equal(t, 1, byState[types.StateKilled], "exactly the killed grandchild")
	assert.Equal(t, 5, byState[types.StateCompleted], "the rest of the tree completes")

	// 帳本在所有深度歸零，總建立數保持單調
	stats := h.scheduler.Stats()
	assert.Empty(t, stats.CurrentCounts, "ledger drained at every depth")
	assert.Equal(t, 6, stats.TotalCreated)

	// 每個任務都有可輪詢的自描述結果檔
	for _, job := range coll.Jobs {
		persisted, err := results.Read(job.ResultPath)
		require.NoError(t, err, "result file for %s", job.ID)
		assert.Equal(t, job.ID, persisted.ID)
		assert.Equal(t, job.State, persisted.State)
	}

	// 歸檔保存終態快照；Remove 淘汰後 Status 仍可回答
	archived, err := h.archive.Lookup(hangID)
	require.NoError(t, err)
	assert.Equal(t, types.StateKilled, archived.State)

	require.NoError(t, h.scheduler.Remove(root.JobID))
	evicted, err := h.scheduler.Status(root.JobID)
	require.NoError(t, err, "status should fall back to the archive")
	assert.Equal(t, types.StateCompleted, evicted.State)

	counts, err := h.archive.CountByState()
	require.NoError(t, err)
	assert.Equal(t, 5, counts[types.StateCompleted])
	assert.Equal(t, 1, counts[types.StateKilled])
}

// TestConcurrentBatchAdmission 併發批次准入原子性測試
//
// 8 個 goroutine 同時各要求 3 個名額，總額度 10 只容得下 3 批。
// 無論交錯順序為何，准入數必須恰好是 3 批、9 個任務，其餘整批被拒。
func TestConcurrentBatchAdmission(t *testing.T) {
	limits := types.Limits{
		MaxDepth:             1,
		MaxTotalJobs:         10,
		MaxChildrenPerParent: 10,
		DefaultConcurrent:    32,
	}
	h := newHarness(t, limits, invoker.Func(func(ctx context.Context, req invoker.Request) (*types.Result, error) {
		return &types.Result{Payload: json.RawMessage(`"ok"`)}, nil
	}))

	const (
		contenders = 8
		batchSize  = 3
	)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	rejected := 0
	var handles []types.JobHandle

	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start

			tasks := make([]string, batchSize)
			for j := range tasks {
				tasks[j] = fmt.Sprintf("batch-%d-task-%d", i, j)
			}
			hs, err := h.scheduler.SpawnBatch(tasks, nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var le *ledger.LimitError
				if assert.ErrorAs(t, err, &le, "only ledger rejections are acceptable") {
					assert.Equal(t, ledger.LimitTotal, le.Kind)
				}
				rejected++
				return
			}
			admitted++
			handles = append(handles, hs...)
		}(i)
	}
	close(start)
	wg.Wait()

	// 10 個總額度容得下恰好 3 批 3 個，不多不少
	assert.Equal(t, 3, admitted, "exactly the fitting number of batches admitted")
	assert.Equal(t, contenders-3, rejected)
	assert.Equal(t, 9, h.scheduler.Stats().TotalCreated, "no overshoot past max_total_jobs")

	// 被准入的任務全部正常完成
	ids := make([]types.JobID, len(handles))
	for i, handle := range handles {
		ids[i] = handle.JobID
	}
	coll, err := h.collector.Collect(context.Background(), ids, true, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, coll.Done())
	assert.Empty(t, h.scheduler.Stats().CurrentCounts)
}

// TestExecBatchParallelism 真實行程的平行批次測試
//
// 以系統 sleep 為 worker：4 個 0.3 秒的任務若被偷偷串行化會耗時
// 1.2 秒以上，平行執行應在約一個睡眠時長內完成。
func TestExecBatchParallelism(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns real processes")
	}

	inv, err := invoker.NewExecInvoker([]string{"sleep"})
	require.NoError(t, err)

	limits := types.Limits{
		MaxDepth:             1,
		MaxTotalJobs:         10,
		MaxChildrenPerParent: 10,
		DefaultConcurrent:    10,
	}
	h := newHarness(t, limits, inv)

	begin := time.Now()
	handles, err := h.scheduler.SpawnBatch([]string{"0.3", "0.3", "0.3", "0.3"}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 200*time.Millisecond, "spawn must not block on execution")

	ids := make([]types.JobID, len(handles))
	for i, handle := range handles {
		ids[i] = handle.JobID
	}
	coll, err := h.collector.Collect(context.Background(), ids, true, 5*time.Second)
	require.NoError(t, err)
	elapsed := time.Since(begin)

	require.True(t, coll.Done())
	for _, job := range coll.Jobs {
		assert.Equal(t, types.StateCompleted, job.State)
	}

	t.Logf("4 sleep-0.3s workers finished in %v", elapsed)
	assert.Less(t, elapsed, 900*time.Millisecond, "batch must run real processes in parallel")
}

// TestCollectPartialTimeout 限時收集的部分結果測試
//
// 3 個任務中 1 個永不完成：短超時的收集應回傳 2 個終態結果
// 加 1 個 pending，而不是錯誤。
func TestCollectPartialTimeout(t *testing.T) {
	limits := types.Limits{
		MaxDepth:             1,
		MaxTotalJobs:         10,
		MaxChildrenPerParent: 10,
		DefaultConcurrent:    10,
	}
	h := newHarness(t, limits, invoker.Func(func(ctx context.Context, req invoker.Request) (*types.Result, error) {
		if req.Task == "hang" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &types.Result{Payload: json.RawMessage(`"ok"`)}, nil
	}))

	handles, err := h.scheduler.SpawnBatch([]string{"quick", "hang", "quick"}, nil)
	require.NoError(t, err)

	ids := []types.JobID{handles[0].JobID, handles[1].JobID, handles[2].JobID}
	combined, err := h.collector.Aggregate(context.Background(), ids, 300*time.Millisecond)
	require.NoError(t, err, "a deadline that expires is data, not an error")

	assert.Len(t, combined.Results, 2, "finished siblings are reported")
	assert.Empty(t, combined.Failures)
	assert.Equal(t, []types.JobID{handles[1].JobID}, combined.Pending, "the straggler is named, not dropped")
}
