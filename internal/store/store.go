// ============================================================================
// Arbor 任務存放區 - 任務狀態機實現
// ============================================================================
//
// Package: internal/store
// 文件: store.go
// 功能: 行程內的任務登錄表，管理任務的完整生命週期與親子關係
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. order slice - 保存建立順序，供 List 依序回傳
//   3. 對外只回傳深拷貝快照，內部狀態不外洩
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ Transition(running)          ↓ Transition(killed)
//   Running (執行中)                  Killed (被終止)
//      ↓ completed / failed / timed_out / killed
//   終態（completed / failed / killed / timed_out）
//
// 狀態轉換規則:
//   - pending → running: 排程器交付 worker 時
//   - pending → killed:  尚未啟動即被明確終止
//   - running → completed: worker 成功回傳結果
//   - running → failed:    worker 回報錯誤
//   - running → timed_out: 超過截止時間被強制終止
//   - running → killed:    被明確終止
//   - 終態之後不允許任何轉換；重複收到相同終態與相同結果時
//     視為重複通知，無操作返回（容忍 worker 的重複回報）
//
// 深度不變量:
//   子任務的 Depth 恆等於父任務 Depth+1，Create 時驗證；
//   無父任務的任務 Depth 恆為 0。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//   - 終態轉換透過 close-channel 廣播喚醒等待中的收集器
//
// ============================================================================

package store

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/krizzo101/arbor/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// 任務尚未進入終態，不可移除
	ErrNotTerminal = errors.New("job not in terminal state")
	// 深度與父任務不一致
	ErrDepthMismatch = errors.New("job depth must be parent depth + 1")
)

// TransitionError 非法狀態轉換錯誤
type TransitionError struct {
	ID   types.JobID
	From types.JobState
	To   types.JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s", e.ID, e.From, e.To)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Store 任務存放區
type Store struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]*types.Job
	order []types.JobID // 建立順序，List 依此回傳

	// 終態廣播通道：任一任務進入終態時關閉並換新，
	// 等待中的收集器以此代替輪詢
	notify chan struct{}
}

// Filter 查詢條件，nil 欄位表示不過濾
type Filter struct {
	Parent *types.JobID
	State  *types.JobState
	Depth  *int
}

// ============================================================================
// 建構與寫入方法
// ============================================================================

// New 建立任務存放區
func New() *Store {
	return &Store{
		jobs:   make(map[types.JobID]*types.Job),
		notify: make(chan struct{}),
	}
}

// Create 建立新任務（pending 狀態）並掛入父任務的子清單
//
// 參數說明：
//   - job: 任務初始欄位（ID、Task、ParentID、Depth、ResultPath）
//
// 返回值：
//   - *types.Job: 建立後的任務快照
//   - error: ErrDuplicateJob / ErrJobNotFound（父任務不存在）/
//     ErrDepthMismatch（深度不變量被違反）
//
// 併發安全：使用互斥鎖保護
func (s *Store) Create(job types.Job) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return nil, ErrDuplicateJob
	}

	// 深度不變量驗證
	if job.ParentID == nil {
		if job.Depth != 0 {
			return nil, ErrDepthMismatch
		}
	} else {
		parent, exists := s.jobs[*job.ParentID]
		if !exists {
			return nil, fmt.Errorf("parent %s: %w", *job.ParentID, ErrJobNotFound)
		}
		if job.Depth != parent.Depth+1 {
			return nil, ErrDepthMismatch
		}
		parent.ChildrenIDs = append(parent.ChildrenIDs, job.ID)
	}

	job.State = types.StatePending
	job.CreatedAt = time.Now()
	job.StartedAt = nil
	job.FinishedAt = nil
	job.Result = nil
	job.Failure = nil

	stored := job
	s.jobs[job.ID] = &stored
	s.order = append(s.order, job.ID)

	return stored.Clone(), nil
}

// Transition 執行狀態轉換，強制執行狀態機規則
//
// 參數說明：
//   - id: 任務 ID
//   - next: 目標狀態
//   - result: 成功結果，僅 completed 轉換使用
//   - failure: 失敗記錄，僅 failed/killed/timed_out 轉換使用
//
// 返回值：
//   - bool: 轉換是否實際生效；重複的相同終態通知回傳 false 且無錯誤
//   - error: *TransitionError（非法轉換）/ ErrJobNotFound
//
// 終態冪等規則：已在相同終態且結果相同時視為重複通知（false, nil）；
// 任何其他出自終態的轉換一律拒絕。
//
// 併發安全：使用互斥鎖保護；進入終態時廣播喚醒等待者
func (s *Store) Transition(id types.JobID, next types.JobState, result *types.Result, failure *types.Failure) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return false, ErrJobNotFound
	}

	if job.State.Terminal() {
		if job.State == next && samePayload(job, result, failure) {
			return false, nil
		}
		return false, &TransitionError{ID: id, From: job.State, To: next}
	}

	switch {
	case job.State == types.StatePending && next == types.StateRunning:
		now := time.Now()
		job.State = types.StateRunning
		job.StartedAt = &now
		return true, nil

	case job.State == types.StatePending && next == types.StateKilled,
		job.State == types.StateRunning && next.Terminal():
		now := time.Now()
		job.State = next
		job.FinishedAt = &now
		if next == types.StateCompleted {
			job.Result = result
			job.Failure = nil
		} else {
			job.Result = nil
			job.Failure = failure
		}
		// 廣播終態：關閉舊通道並換新
		close(s.notify)
		s.notify = make(chan struct{})
		return true, nil
	}

	return false, &TransitionError{ID: id, From: job.State, To: next}
}

// Remove 移除已進入終態的任務
//
// 父任務的 ChildrenIDs 保持只增語意，不回收其中的 ID；
// 被移除的子任務此後查詢回傳 ErrJobNotFound。
func (s *Store) Remove(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if !job.State.Terminal() {
		return ErrNotTerminal
	}

	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務快照
func (s *Store) Get(id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List 依建立順序回傳符合條件的任務快照
func (s *Store) List(f Filter) []*types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if f.Parent != nil {
			if job.ParentID == nil || *job.ParentID != *f.Parent {
				continue
			}
		}
		if f.State != nil && job.State != *f.State {
			continue
		}
		if f.Depth != nil && job.Depth != *f.Depth {
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

// Children 依派生順序回傳子任務快照
//
// 已被 Remove 移除的子任務會被略過。
func (s *Store) Children(id types.JobID) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parent, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}

	out := make([]*types.Job, 0, len(parent.ChildrenIDs))
	for _, cid := range parent.ChildrenIDs {
		if child, ok := s.jobs[cid]; ok {
			out = append(out, child.Clone())
		}
	}
	return out, nil
}

// Count 回傳存放區內的任務總數
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// StatsByState 回傳各狀態的任務數量統計
func (s *Store) StatsByState() map[types.JobState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[types.JobState]int)
	for _, job := range s.jobs {
		stats[job.State]++
	}
	return stats
}

// StatsByDepth 回傳各深度的任務數量統計
func (s *Store) StatsByDepth() map[int]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[int]int)
	for _, job := range s.jobs {
		stats[job.Depth]++
	}
	return stats
}

// TerminalWatch 回傳目前的終態廣播通道
//
// 任一任務進入終態時該通道會被關閉。等待者必須先取得通道、
// 再檢查任務狀態，最後才等待，以免錯過兩步之間發生的轉換。
func (s *Store) TerminalWatch() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

// samePayload 比較終態結果是否等價（容忍重複通知用）
func samePayload(job *types.Job, result *types.Result, failure *types.Failure) bool {
	switch {
	case job.Result != nil:
		return result != nil && bytes.Equal(job.Result.Payload, result.Payload)
	case job.Failure != nil:
		return failure != nil &&
			job.Failure.Kind == failure.Kind &&
			job.Failure.Message == failure.Message
	}
	return result == nil && failure == nil
}
