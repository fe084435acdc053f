// Package types 定義了 arbor 編排引擎使用的核心領域模型
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobID 任務唯一識別碼
type JobID string

// NewJobID 產生新的任務識別碼（UUID v4）
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	StatePending   JobState = "pending"   // 待處理狀態：任務已建立但尚未開始執行
	StateRunning   JobState = "running"   // 執行中狀態：worker 行程正在處理任務
	StateCompleted JobState = "completed" // 完成狀態：worker 成功回傳結果
	StateFailed    JobState = "failed"    // 失敗狀態：worker 回報錯誤
	StateKilled    JobState = "killed"    // 終止狀態：被呼叫端明確終止
	StateTimedOut  JobState = "timed_out" // 超時狀態：超過截止時間被強制終止
)

// Terminal 回報狀態是否為終態（終態不允許再轉換）
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateKilled, StateTimedOut:
		return true
	}
	return false
}

// Usage 任務執行的用量統計
type Usage struct {
	ElapsedMS int64   `json:"elapsed_ms"`         // 執行耗時（毫秒）
	Tokens    int64   `json:"tokens,omitempty"`   // worker 回報的 token 用量（若有）
	CostUSD   float64 `json:"cost_usd,omitempty"` // worker 回報的成本（若有）
}

// Result 任務成功時的結果，payload 對核心而言是不透明的結構化資料
type Result struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Usage   Usage           `json:"usage"`
}

// FailureKind 失敗原因分類
type FailureKind string

const (
	FailureWorker  FailureKind = "worker_failure"   // worker 回報非零結果或執行錯誤
	FailureTimeout FailureKind = "timeout_exceeded" // 超過任務截止時間
	FailureKilled  FailureKind = "killed"           // 被明確終止
)

// Failure 任務失敗時的記錄，附帶部分診斷文字
type Failure struct {
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	Diagnostic string      `json:"diagnostic,omitempty"` // stderr 尾段等診斷資訊
}

// Job 任務結構，代表一個被派生的工作單元
//
// 欄位不變量：
//   - Depth 恆等於父任務 Depth+1；無父任務時恆為 0
//   - 進入終態後 Result/Failure 不再變更
//   - ChildrenIDs 只增不減，順序即派生順序
type Job struct {
	// 識別與資料
	ID       JobID  `json:"id"`                  // 任務唯一識別碼，建立時指派後不可變
	Task     string `json:"task"`                // 工作描述字串，原封不動交給 worker
	ParentID *JobID `json:"parent_id,omitempty"` // 派生此任務的父任務（弱參考）
	Depth    int    `json:"depth"`               // 在任務樹中的深度，根任務為 0

	// 狀態追蹤
	State JobState `json:"state"`

	// 時間管理
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`  // 轉入 running 時設定
	FinishedAt *time.Time `json:"finished_at,omitempty"` // 轉入終態時設定

	// 結果（僅一者存在，依終態而定）
	Result  *Result  `json:"result,omitempty"`  // 僅 completed 狀態存在
	Failure *Failure `json:"failure,omitempty"` // 僅 failed/killed/timed_out 狀態存在

	// 樹狀結構
	ChildrenIDs []JobID `json:"children_ids,omitempty"`

	// 結果檔路徑，建立時指派，供 fire-and-forget 呼叫端輪詢
	ResultPath string `json:"result_path,omitempty"`
}

// Clone 回傳任務的深拷貝，供快照讀取使用（呼叫端不可能改到內部狀態）
func (j *Job) Clone() *Job {
	cp := *j
	if j.ParentID != nil {
		pid := *j.ParentID
		cp.ParentID = &pid
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Payload = append(json.RawMessage(nil), j.Result.Payload...)
		cp.Result = &r
	}
	if j.Failure != nil {
		f := *j.Failure
		cp.Failure = &f
	}
	if j.ChildrenIDs != nil {
		cp.ChildrenIDs = append([]JobID(nil), j.ChildrenIDs...)
	}
	return &cp
}

// JobHandle 派生操作的立即回傳值：任務 ID 加上結果檔位置
type JobHandle struct {
	JobID          JobID  `json:"job_id"`
	ResultLocation string `json:"result_location"`
}

// Limits 遞迴帳本的限制設定
type Limits struct {
	MaxDepth              int         `json:"max_depth" yaml:"max_depth"`
	MaxTotalJobs          int         `json:"max_total_jobs" yaml:"max_total_jobs"`
	MaxChildrenPerParent  int         `json:"max_children_per_parent" yaml:"max_children_per_parent"`
	MaxConcurrentPerDepth map[int]int `json:"max_concurrent_per_depth" yaml:"max_concurrent_per_depth"`
	DefaultConcurrent     int         `json:"default_concurrent" yaml:"default_concurrent"`
}

// ConcurrencyAt 回傳指定深度的並行上限（無個別設定時使用預設值）
func (l Limits) ConcurrencyAt(depth int) int {
	if n, ok := l.MaxConcurrentPerDepth[depth]; ok {
		return n
	}
	return l.DefaultConcurrent
}

// Stats 編排器的即時統計快照
type Stats struct {
	JobsByState   map[JobState]int `json:"jobs_by_state"`
	JobsByDepth   map[int]int      `json:"jobs_by_depth"`
	Limits        Limits           `json:"ledger_limits"`
	CurrentCounts map[int]int      `json:"ledger_current_counts"` // 各深度目前執行中的任務數
	TotalCreated  int              `json:"total_created"`         // 累計建立的任務數，只增不減
}

// EventKind 任務生命週期事件分類
type EventKind string

const (
	EventCreated  EventKind = "created"  // 任務建立（pending）
	EventStarted  EventKind = "started"  // 任務開始執行（running）
	EventFinished EventKind = "finished" // 任務進入終態
)

// Event 任務生命週期事件，推送給事件訂閱者（websocket 等）
type Event struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`
	Job  *Job      `json:"job"`
}
