// ============================================================================
// Arbor 遞迴帳本 - 派生准入控制
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 追蹤任務樹的深度、各深度並行數、總任務數與各父任務子數，
//       並在派生前執行原子性的額度檢查與預留
//
// 設計理念:
//   帳本是所有派生請求的唯一守門員 (Single Admission Point)：
//   1. Reserve - 檢查與累加在同一把鎖內完成，杜絕 check-then-act 競態
//   2. Release - 任務進入終態或預留被放棄時歸還並行名額
//   3. 任何任務在未持有有效預留名額前，不得轉入 running
//
// 競態危害說明:
//   兩個並行的批次派生若先檢查再分開累加，可能同時通過只容得下一批的
//   檢查（TOCTOU）。因此檢查與累加必須在單一互斥鎖臨界區內完成，
//   批次預留一律一次呼叫，不得拆成 N 次單獨預留。
//
// 額度種類:
//   - depth:               目標深度不得超過 MaxDepth
//   - concurrency:         各深度同時執行數不得超過該深度上限
//   - total:               累計建立數不得超過 MaxTotalJobs（只增不減）
//   - children_per_parent: 單一父任務的子任務數不得超過上限
//
// 計數語意:
//   - running[depth] 在預留時累加、終態時歸還，涵蓋 pending 與 running
//   - totalCreated 單調遞增，預留被放棄時也不回退
//   - childCount 為父任務的終身子數，與 Job.ChildrenIDs 的只增語意一致
//
// 並發安全:
//   - 單一 sync.Mutex 保護所有計數
//   - 所有讀寫皆經由公開方法，外部元件不得直接操作計數
//
// ============================================================================

package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/krizzo101/arbor/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

// LimitKind 標示違反的額度種類
type LimitKind string

const (
	LimitDepth       LimitKind = "depth"
	LimitConcurrency LimitKind = "concurrency"
	LimitTotal       LimitKind = "total"
	LimitChildren    LimitKind = "children_per_parent"
)

// LimitError 准入失敗錯誤，標明違反的額度與當下數值
type LimitError struct {
	Kind      LimitKind // 違反的額度種類
	Depth     int       // 目標深度
	Requested int       // 請求的名額數
	Current   int       // 檢查當下的計數
	Max       int       // 設定的上限
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("recursion limit exceeded (%s): depth=%d requested=%d current=%d max=%d",
		e.Kind, e.Depth, e.Requested, e.Current, e.Max)
}

// 請求的名額數不合法（必須為正數）
var ErrInvalidCount = errors.New("reservation count must be positive")

// ============================================================================
// 資料結構定義
// ============================================================================

// Ledger 遞迴帳本，整棵任務樹共享同一實例
type Ledger struct {
	mu           sync.Mutex
	limits       types.Limits
	running      map[int]int         // 各深度目前持有名額的任務數（含 pending）
	childCount   map[types.JobID]int // 各父任務的終身子任務數
	totalCreated int                 // 累計建立的任務數，只增不減
}

// Reservation 預留憑證，代表一次成功准入所持有的名額
//
// 名額的歸還走兩條路：
//   - 已繫結任務（Consume 過的名額）逐一進入終態時由排程器
//     呼叫 Release(depth, 1)
//   - 尚未繫結任務的名額由 Abandon() 一次退回
//
// Consume 僅供派生流程在單一 goroutine 內依序呼叫。
type Reservation struct {
	ParentID *types.JobID // 預留時指定的父任務（可為 nil）
	Depth    int          // 名額所在深度
	Count    int          // 預留的名額數

	led       *Ledger
	consumed  int
	abandoned bool
}

// ============================================================================
// 建構與准入
// ============================================================================

// New 建立遞迴帳本
func New(limits types.Limits) *Ledger {
	return &Ledger{
		limits:     limits,
		running:    make(map[int]int),
		childCount: make(map[types.JobID]int),
	}
}

// Reserve 原子性地檢查所有額度並預留 count 個名額
//
// 參數說明：
//   - parentID: 父任務 ID，根任務派生時傳 nil
//   - parentDepth: 父任務深度，parentID 為 nil 時忽略
//   - count: 請求的名額數（整批一次預留）
//
// 返回值：
//   - *Reservation: 成功時的預留憑證
//   - error: 違反任一額度時回傳 *LimitError，且不留下任何計數變更
//
// 檢查順序：depth → concurrency → total → children_per_parent。
// 全部通過才累加 running[depth]、totalCreated 與 childCount[parent]，
// 任一失敗則完全不動（all-or-nothing）。
//
// 併發安全：使用互斥鎖保護，檢查與累加不可分割
func (l *Ledger) Reserve(parentID *types.JobID, parentDepth int, count int) (*Reservation, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}

	depth := 0
	if parentID != nil {
		depth = parentDepth + 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if depth > l.limits.MaxDepth {
		return nil, &LimitError{
			Kind: LimitDepth, Depth: depth,
			Requested: count, Current: depth, Max: l.limits.MaxDepth,
		}
	}

	if maxAtDepth := l.limits.ConcurrencyAt(depth); l.running[depth]+count > maxAtDepth {
		return nil, &LimitError{
			Kind: LimitConcurrency, Depth: depth,
			Requested: count, Current: l.running[depth], Max: maxAtDepth,
		}
	}

	if l.totalCreated+count > l.limits.MaxTotalJobs {
		return nil, &LimitError{
			Kind: LimitTotal, Depth: depth,
			Requested: count, Current: l.totalCreated, Max: l.limits.MaxTotalJobs,
		}
	}

	if parentID != nil {
		if cur := l.childCount[*parentID]; cur+count > l.limits.MaxChildrenPerParent {
			return nil, &LimitError{
				Kind: LimitChildren, Depth: depth,
				Requested: count, Current: cur, Max: l.limits.MaxChildrenPerParent,
			}
		}
	}

	// 全部檢查通過，於同一臨界區內完成累加
	l.running[depth] += count
	l.totalCreated += count
	if parentID != nil {
		l.childCount[*parentID] += count
	}

	return &Reservation{ParentID: parentID, Depth: depth, Count: count, led: l}, nil
}

// Release 歸還指定深度的 count 個並行名額
//
// 任務進入終態（completed/failed/killed/timed_out）時呼叫。
// totalCreated 不在此回退。
//
// 併發安全：使用互斥鎖保護
func (l *Ledger) Release(depth, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running[depth] -= count
	if l.running[depth] <= 0 {
		delete(l.running, depth)
	}
}

// Consume 將一個名額繫結到已建立的任務
//
// 繫結後的名額改由任務的終態轉換透過 Release 歸還，
// 不再受 Abandon 影響。
func (r *Reservation) Consume() {
	if r.consumed < r.Count {
		r.consumed++
	}
}

// Abandon 退回尚未繫結任務的名額（預留被放棄時的回退路徑）
//
// 歸還未繫結的並行名額與父任務子數；totalCreated 保持單調，
// 不回退。重複呼叫為無操作。
func (r *Reservation) Abandon() {
	if r.abandoned {
		return
	}
	r.abandoned = true

	unconsumed := r.Count - r.consumed
	if unconsumed <= 0 {
		return
	}

	r.led.mu.Lock()
	defer r.led.mu.Unlock()

	r.led.running[r.Depth] -= unconsumed
	if r.led.running[r.Depth] <= 0 {
		delete(r.led.running, r.Depth)
	}
	if r.ParentID != nil {
		r.led.childCount[*r.ParentID] -= unconsumed
		if r.led.childCount[*r.ParentID] <= 0 {
			delete(r.led.childCount, *r.ParentID)
		}
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Running 回傳指定深度目前持有名額的任務數
func (l *Ledger) Running(depth int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[depth]
}

// CurrentCounts 回傳各深度計數的拷貝（僅含非零項）
func (l *Ledger) CurrentCounts() map[int]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[int]int, len(l.running))
	for depth, n := range l.running {
		counts[depth] = n
	}
	return counts
}

// TotalCreated 回傳累計建立的任務數
func (l *Ledger) TotalCreated() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalCreated
}

// ChildCount 回傳指定父任務的終身子任務數
func (l *Ledger) ChildCount(parentID types.JobID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.childCount[parentID]
}

// Limits 回傳帳本的限制設定
func (l *Ledger) Limits() types.Limits {
	return l.limits
}

// Forget 移除指定父任務的子數記錄
//
// 僅在任務被明確自系統移除後呼叫，避免 childCount 無限成長。
func (l *Ledger) Forget(parentID types.JobID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.childCount, parentID)
}
