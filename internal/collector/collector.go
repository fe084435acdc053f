// ============================================================================
// Arbor 結果收集器 - 非同步完成與呼叫端之間的橋樑
// ============================================================================
//
// Package: internal/collector
// 文件: collector.go
// 功能: 等待一批任務到達終態並彙總結果，支援非阻塞快照與限時等待
//
// 設計重點:
//   - fire-and-forget 與 collect 共用同一套調度 API：呼叫端拿到 handles
//     之後，要不要（何時）收集是呼叫端的自由，核心不區分兩種模式
//   - 限時等待超時不是錯誤：回傳已終結的部分結果加上仍未終結的任務
//     清單，部分進度永遠不會被丟棄
//   - 等待採用 Store 的 TerminalWatch 廣播：先取得通知通道、再檢查
//     狀態，避免在檢查與等待之間漏掉轉換
//
// 併發安全:
//   - Collector 本身無狀態，所有讀取都經過 Store 的快照介面
//   - 多個呼叫端可同時等待同一批或不同批任務，互不干擾
//
// ============================================================================

package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/krizzo101/arbor/internal/store"
	"github.com/krizzo101/arbor/pkg/types"
)

// Collection 一次收集呼叫的結果快照
type Collection struct {
	// Jobs 所有被請求任務的目前快照（含未終結者）
	Jobs map[types.JobID]*types.Job `json:"jobs"`
	// Pending 尚未終結的任務 ID，依請求順序排列
	Pending []types.JobID `json:"pending,omitempty"`
}

// Done 回報是否所有被請求的任務都已終結
func (c *Collection) Done() bool {
	return len(c.Pending) == 0
}

// CombinedResult 彙總結果，保留每個任務的歸屬
//
// 混合結局的批次回傳逐一拆分的成功與失敗，呼叫端能分辨
// N 個平行兄弟任務中是哪一個失敗，而不是收到單一的全有全無錯誤。
type CombinedResult struct {
	Results  map[types.JobID]*types.Result  `json:"results"`
	Failures map[types.JobID]*types.Failure `json:"failures"`
	Pending  []types.JobID                  `json:"pending,omitempty"`
}

// Collector 結果收集器
type Collector struct {
	store *store.Store
}

// New 建立新的 Collector 實例
func New(st *store.Store) *Collector {
	return &Collector{store: st}
}

// Collect 收集指定任務的狀態快照
//
// 參數：
//   - ctx: 呼叫端的生命週期，取消時回傳部分結果與 ctx 錯誤
//   - ids: 要收集的任務 ID 列表；任一 ID 不存在時立即回傳錯誤
//   - wait: false 時立即回傳目前快照；true 時阻塞等待全部終結
//   - timeout: wait 等待上限，<= 0 表示不設上限；超時回傳部分結果
//     與未終結清單（不是錯誤）
//
// 返回值：
//   - *Collection: 快照集合，Pending 列出尚未終結的任務
//   - error: 未知任務 ID 或 ctx 取消；超時本身不是錯誤
//
// 等待只阻塞呼叫端本身，其他派生與完成在等待期間照常進行。
func (c *Collector) Collect(ctx context.Context, ids []types.JobID, wait bool, timeout time.Duration) (*Collection, error) {
	// 未知 ID 在任何等待開始前驗證，避免永遠等不到的收集
	for _, id := range ids {
		if _, err := c.store.Get(id); err != nil {
			return nil, fmt.Errorf("collect: %w", err)
		}
	}

	var expired <-chan time.Time
	if wait && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		// 先取通知通道再快照，轉換發生在兩者之間時通道已被關閉
		notify := c.store.TerminalWatch()

		coll, err := c.snapshot(ids)
		if err != nil {
			return nil, err
		}
		if !wait || coll.Done() {
			return coll, nil
		}

		select {
		case <-notify:
		case <-expired:
			return coll, nil
		case <-ctx.Done():
			return coll, ctx.Err()
		}
	}
}

// Aggregate 等待一批任務終結並彙總為單一結構化回應
//
// 在 Collect(wait=true) 之上拆分成功與失敗，超時後仍未終結的
// 任務列於 Pending。
//
// 參數：
//   - ctx: 呼叫端的生命週期
//   - ids: 要彙總的任務 ID 列表
//   - timeout: 等待上限，<= 0 表示不設上限
//
// 返回值：
//   - *CombinedResult: 逐任務歸屬的成功/失敗/未終結拆分
//   - error: 未知任務 ID 或 ctx 取消
func (c *Collector) Aggregate(ctx context.Context, ids []types.JobID, timeout time.Duration) (*CombinedResult, error) {
	coll, err := c.Collect(ctx, ids, true, timeout)
	if coll == nil {
		return nil, err
	}

	combined := &CombinedResult{
		Results:  make(map[types.JobID]*types.Result),
		Failures: make(map[types.JobID]*types.Failure),
		Pending:  coll.Pending,
	}
	for id, job := range coll.Jobs {
		switch {
		case job.State == types.StateCompleted:
			combined.Results[id] = job.Result
		case job.State.Terminal():
			combined.Failures[id] = job.Failure
		}
	}
	return combined, err
}

// snapshot 讀取一輪快照並整理未終結清單（依請求順序，重複 ID 只計一次）
func (c *Collector) snapshot(ids []types.JobID) (*Collection, error) {
	coll := &Collection{Jobs: make(map[types.JobID]*types.Job, len(ids))}
	for _, id := range ids {
		if _, ok := coll.Jobs[id]; ok {
			continue
		}
		job, err := c.store.Get(id)
		if err != nil {
			// 收集期間被 Remove 淘汰的任務視為呼叫端錯誤
			return nil, fmt.Errorf("collect: %w", err)
		}
		coll.Jobs[id] = job
		if !job.State.Terminal() {
			coll.Pending = append(coll.Pending, id)
		}
	}
	return coll, nil
}
