// ============================================================================
// Arbor 調度器 - 遞迴任務派生與生命週期協調
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 系統核心調度器，協調所有模組，實現任務派生、執行與終結
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - Ledger: 遞迴帳本，派生前的原子性額度檢查（深度/並行/總量/子任務數）
//   - Store: 任務狀態機（pending -> running -> 終態），單一事實來源
//   - Invoker: worker 行程調用，每個任務一個獨立行程
//   - Results: 結果檔寫入（temp + rename 原子寫入）
//
// 派生流程 (SpawnBatch):
//   1. Reserve  - 整批一次性向帳本預留額度（全有或全無）
//   2. Create   - 逐一建立 pending 任務並綁定額度（Consume）
//   3. Running  - 標記 running 後為每個任務啟動獨立 goroutine
//   4. 回傳 handles（任務 ID + 結果檔位置），不等待執行結束
//
// 終結流程 (finalize):
//   任務只會被終結一次。Store.Transition 的 applied 回傳值是唯一閘門：
//   只有搶到轉換的那一方執行後續動作（釋放帳本額度、寫結果檔、
//   更新指標、推送事件、歸檔）。輸掉競爭的一方靜默退出。
//   kill 與 worker 完成的競爭、超時與完成的競爭都經由此路徑收斂。
//
// 終止語義 (Kill):
//   - 冪等：對已終結任務呼叫 kill 直接回傳 nil
//   - 不級聯：終止父任務不會終止其子任務，子任務繼續執行到各自終態。
//     呼叫端需要整棵子樹終止時，應自行逐一終止。
//
// 並發安全:
//   - mu 保護 running 執行表與 stopped 旗標
//   - Ledger 與 Store 各自持有內部鎖，呼叫時不持有調度器的 mu
//   - wg 追蹤所有 worker goroutine，Stop 時等待全部退出
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/krizzo101/arbor/internal/invoker"
	"github.com/krizzo101/arbor/internal/ledger"
	"github.com/krizzo101/arbor/internal/results"
	"github.com/krizzo101/arbor/internal/store"
	"github.com/krizzo101/arbor/pkg/types"
)

var log = slog.Default()

// DefaultJobTimeout 未設定時的單一任務執行期限
const DefaultJobTimeout = 5 * time.Minute

// 調度器層級的錯誤定義
var (
	ErrNoTasks        = errors.New("spawn requires at least one task")
	ErrEmptyTask      = errors.New("task description must not be empty")
	ErrStopped        = errors.New("scheduler is stopped")
	ErrParentTerminal = errors.New("parent job already terminal")
)

// ============================================================================
// 對外掛載點（全部可為 nil，nil 時該面向靜默停用）
// ============================================================================

// EventSink 接收任務生命週期事件（created/started/finished）
// Publish 不可阻塞，實作端需自行緩衝或丟棄
type EventSink interface {
	Publish(event types.Event)
}

// Archiver 終態任務的持久化歸檔，供行程重啟後查詢歷史
type Archiver interface {
	SaveTerminal(job *types.Job) error
	Lookup(id types.JobID) (*types.Job, error)
}

// Metrics 調度指標回報
type Metrics interface {
	RecordSpawned(depth int)
	RecordFinished(state types.JobState, depth int, elapsed time.Duration)
	RecordRejection(kind string)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Options Scheduler 配置
type Options struct {
	Store      *store.Store    // 任務狀態機（必填）
	Ledger     *ledger.Ledger  // 遞迴帳本（必填）
	Invoker    invoker.Invoker // worker 調用器（必填）
	Results    *results.Writer // 結果檔寫入器（必填）
	JobTimeout time.Duration   // 單一任務執行期限，零值時採用 DefaultJobTimeout
	APIAddr    string          // 對 worker 公告的 API 位址，空值時不公告
	Events     EventSink       // 事件訂閱端（可選）
	Archive    Archiver        // 終態歸檔（可選）
	Metrics    Metrics         // 指標回報（可選）
}

// execution 一個執行中任務的控制代碼
type execution struct {
	cancel context.CancelFunc
}

// Scheduler 核心調度器
type Scheduler struct {
	store   *store.Store
	ledger  *ledger.Ledger
	invoker invoker.Invoker
	results *results.Writer
	timeout time.Duration
	apiAddr string
	events  EventSink
	archive Archiver
	metrics Metrics

	mu      sync.Mutex                 // 保護 running 與 stopped
	running map[types.JobID]*execution // 執行中任務的取消控制
	stopped bool                       // 停止後拒絕新派生
	wg      sync.WaitGroup             // 追蹤所有 worker goroutine
}

// ============================================================================
// 建構與派生
// ============================================================================

// New 建立新的 Scheduler 實例
//
// 參數：
//   - opts: 調度器配置，Store/Ledger/Invoker/Results 為必填
//
// 返回值：
//   - *Scheduler: Scheduler 實例
//   - error: 缺少必填組件時的錯誤
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("scheduler requires a job store")
	}
	if opts.Ledger == nil {
		return nil, errors.New("scheduler requires a recursion ledger")
	}
	if opts.Invoker == nil {
		return nil, errors.New("scheduler requires an invoker")
	}
	if opts.Results == nil {
		return nil, errors.New("scheduler requires a result writer")
	}

	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	return &Scheduler{
		store:   opts.Store,
		ledger:  opts.Ledger,
		invoker: opts.Invoker,
		results: opts.Results,
		timeout: timeout,
		apiAddr: opts.APIAddr,
		events:  opts.Events,
		archive: opts.Archive,
		metrics: opts.Metrics,
		running: make(map[types.JobID]*execution),
	}, nil
}

// SpawnOne 派生單一任務
//
// 參數：
//   - task: 工作描述字串，原封不動交給 worker
//   - parentID: 父任務 ID，nil 表示根任務（深度 0）
//
// 返回值：
//   - types.JobHandle: 任務 ID 與結果檔位置
//   - error: 額度不足或父任務狀態不合法時的錯誤
func (s *Scheduler) SpawnOne(task string, parentID *types.JobID) (types.JobHandle, error) {
	handles, err := s.SpawnBatch([]string{task}, parentID)
	if err != nil {
		return types.JobHandle{}, err
	}
	return handles[0], nil
}

// SpawnBatch 以真平行方式派生一批兄弟任務
//
// 整批共用一次帳本預留：全部額度同時取得，或整批被拒絕且不留任何
// 副作用。任一任務被拒不會讓批次部分成功。
//
// 參數：
//   - tasks: 工作描述列表，不可為空
//   - parentID: 共同的父任務 ID，nil 表示一批根任務
//
// 返回值：
//   - []types.JobHandle: 與 tasks 同序的任務 handles，全部已開始執行
//   - error: 驗證失敗、額度不足或父任務狀態不合法時的錯誤
func (s *Scheduler) SpawnBatch(tasks []string, parentID *types.JobID) ([]types.JobHandle, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	for _, task := range tasks {
		if task == "" {
			return nil, ErrEmptyTask
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.mu.Unlock()

	// 解析父任務深度。終態父任務不可再派生子任務。
	parentDepth := 0
	if parentID != nil {
		parent, err := s.store.Get(*parentID)
		if err != nil {
			return nil, fmt.Errorf("resolve parent %s: %w", *parentID, err)
		}
		if parent.State.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrParentTerminal, parent.ID, parent.State)
		}
		parentDepth = parent.Depth
	}

	// 整批一次性預留額度（全有或全無）
	res, err := s.ledger.Reserve(parentID, parentDepth, len(tasks))
	if err != nil {
		var le *ledger.LimitError
		if errors.As(err, &le) && s.metrics != nil {
			s.metrics.RecordRejection(string(le.Kind))
		}
		return nil, err
	}

	// 建立 pending 任務並逐一綁定額度
	created := make([]*types.Job, 0, len(tasks))
	handles := make([]types.JobHandle, 0, len(tasks))
	for _, task := range tasks {
		id := types.NewJobID()
		job, err := s.store.Create(types.Job{
			ID:         id,
			Task:       task,
			ParentID:   parentID,
			Depth:      res.Depth,
			ResultPath: s.results.PathFor(id),
		})
		if err != nil {
			// 批次中途建立失敗：退回未綁定的額度，已建立的任務終結為 killed
			res.Abandon()
			for _, orphan := range created {
				s.finalize(orphan.ID, types.StateKilled, nil, &types.Failure{
					Kind:    types.FailureKilled,
					Message: "batch aborted",
				})
			}
			return nil, fmt.Errorf("create job: %w", err)
		}
		res.Consume()

		created = append(created, job)
		handles = append(handles, types.JobHandle{JobID: job.ID, ResultLocation: job.ResultPath})

		s.publish(types.Event{Kind: types.EventCreated, Time: time.Now(), Job: job})
		if s.metrics != nil {
			s.metrics.RecordSpawned(res.Depth)
		}
	}

	// 標記 running 並啟動 worker goroutine。
	// 轉換失敗表示併發的 kill 搶先終結了這個 pending 任務，
	// 其額度已由 kill 路徑釋放，跳過啟動即可。
	for _, job := range created {
		applied, err := s.store.Transition(job.ID, types.StateRunning, nil, nil)
		if err != nil || !applied {
			log.Debug("Job finalized before start", "jobID", job.ID)
			continue
		}

		started, err := s.store.Get(job.ID)
		if err != nil {
			log.Warn("Job vanished before launch", "jobID", job.ID)
			continue
		}

		s.publish(types.Event{Kind: types.EventStarted, Time: time.Now(), Job: started})
		s.launch(started)
	}

	log.Info("Batch spawned",
		"count", len(handles),
		"depth", res.Depth)

	return handles, nil
}

// launch 為單一任務啟動獨立的 worker goroutine
func (s *Scheduler) launch(job *types.Job) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.finalize(job.ID, types.StateKilled, nil, &types.Failure{
			Kind:    types.FailureKilled,
			Message: "scheduler stopped",
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.running[job.ID] = &execution{cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, cancel, job)
}

// run 執行單一任務直到終態（每個任務一個 goroutine）
func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, job *types.Job) {
	defer s.wg.Done()
	defer cancel()

	result, err := s.invoker.Invoke(ctx, invoker.Request{
		JobID: job.ID,
		Task:  job.Task,
		Env:   s.childEnv(job),
	})

	s.mu.Lock()
	delete(s.running, job.ID)
	s.mu.Unlock()

	switch {
	case err == nil:
		s.finalize(job.ID, types.StateCompleted, result, nil)

	case errors.Is(err, context.DeadlineExceeded):
		s.finalize(job.ID, types.StateTimedOut, nil, &types.Failure{
			Kind:    types.FailureTimeout,
			Message: fmt.Sprintf("job exceeded %s deadline", s.timeout),
		})

	case errors.Is(err, context.Canceled):
		// kill 路徑通常已先行終結，這裡的重複通知會被 Store 吸收
		s.finalize(job.ID, types.StateKilled, nil, &types.Failure{
			Kind:    types.FailureKilled,
			Message: "killed",
		})

	default:
		failure := &types.Failure{Kind: types.FailureWorker, Message: err.Error()}
		var we *invoker.WorkerError
		if errors.As(err, &we) {
			failure.Message = we.Message
			failure.Diagnostic = we.Diagnostic
		}
		s.finalize(job.ID, types.StateFailed, nil, failure)
	}
}

// ============================================================================
// 終結路徑（exactly-once）
// ============================================================================

// finalize 將任務轉入終態並執行唯一一次的收尾動作
//
// Store.Transition 的 applied 閘門保證收尾動作（釋放帳本額度、寫結果檔、
// 指標、事件、歸檔）不會因 kill/timeout/completion 的競爭而重複執行。
func (s *Scheduler) finalize(id types.JobID, state types.JobState, result *types.Result, failure *types.Failure) {
	applied, err := s.store.Transition(id, state, result, failure)
	if err != nil {
		var te *store.TransitionError
		if errors.As(err, &te) {
			log.Debug("Terminal transition lost race",
				"jobID", id,
				"from", te.From,
				"to", te.To)
			return
		}
		log.Warn("Failed to finalize job", "jobID", id, "state", state, "error", err)
		return
	}
	if !applied {
		// 重複的相同終態通知，冪等吸收
		return
	}

	job, err := s.store.Get(id)
	if err != nil {
		log.Warn("Finalized job vanished from store", "jobID", id, "error", err)
		return
	}

	// 釋放該深度的並行額度（totalCreated 只增不減）
	s.ledger.Release(job.Depth, 1)

	if err := s.results.Write(job); err != nil {
		log.Error("Failed to write result file",
			"jobID", id,
			"path", job.ResultPath,
			"error", err)
	}

	if s.metrics != nil {
		var elapsed time.Duration
		if job.StartedAt != nil && job.FinishedAt != nil {
			elapsed = job.FinishedAt.Sub(*job.StartedAt)
		}
		s.metrics.RecordFinished(state, job.Depth, elapsed)
	}

	s.publish(types.Event{Kind: types.EventFinished, Time: time.Now(), Job: job})

	if s.archive != nil {
		if err := s.archive.SaveTerminal(job); err != nil {
			log.Error("Failed to archive job", "jobID", id, "error", err)
		}
	}

	log.Debug("Job finalized",
		"jobID", id,
		"state", state,
		"depth", job.Depth)
}

// ============================================================================
// 公開方法
// ============================================================================

// Kill 終結指定任務（冪等，不級聯）
//
// 先將任務終結為 killed 再取消 worker 行程，確保 Kill 回傳後
// 狀態查詢必然看到終態。與 worker 完成的競爭由 finalize 收斂。
//
// 參數：
//   - id: 要終止的任務 ID
//
// 返回值：
//   - error: 任務不存在時的錯誤；任務已終結時回傳 nil
func (s *Scheduler) Kill(id types.JobID) error {
	job, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	s.finalize(id, types.StateKilled, nil, &types.Failure{
		Kind:    types.FailureKilled,
		Message: "killed",
	})

	s.mu.Lock()
	if exec, ok := s.running[id]; ok {
		exec.cancel()
	}
	s.mu.Unlock()

	log.Info("Job killed", "jobID", id)
	return nil
}

// Status 查詢任務目前的快照
//
// Store 查無此任務且配置了歸檔時，回退到歸檔查詢（涵蓋已被
// Remove 淘汰或行程重啟前的終態任務）。
func (s *Scheduler) Status(id types.JobID) (*types.Job, error) {
	job, err := s.store.Get(id)
	if err == nil {
		return job, nil
	}
	if errors.Is(err, store.ErrJobNotFound) && s.archive != nil {
		if archived, aerr := s.archive.Lookup(id); aerr == nil {
			return archived, nil
		}
	}
	return nil, err
}

// List 依條件列出任務快照（建立順序）
func (s *Scheduler) List(f store.Filter) []*types.Job {
	return s.store.List(f)
}

// Remove 從狀態機淘汰終態任務並清理其結果檔
//
// 歸檔中的紀錄保留，Status 仍可查到該任務的最終快照。
func (s *Scheduler) Remove(id types.JobID) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.ledger.Forget(id)
	if err := s.results.Remove(id); err != nil {
		log.Warn("Failed to remove result file", "jobID", id, "error", err)
	}
	return nil
}

// Stats 取得調度器的即時統計快照
func (s *Scheduler) Stats() types.Stats {
	return types.Stats{
		JobsByState:   s.store.StatsByState(),
		JobsByDepth:   s.store.StatsByDepth(),
		Limits:        s.ledger.Limits(),
		CurrentCounts: s.ledger.CurrentCounts(),
		TotalCreated:  s.ledger.TotalCreated(),
	}
}

// Stop 優雅關閉調度器
//
// 關閉順序：
//  1. 設定 stopped 旗標 → 拒絕新的派生請求
//  2. 終結所有未達終態的任務（killed）
//  3. 等待所有 worker goroutine 退出
//
// 先設旗標再終結，確保關閉過程中沒有新任務漏網。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Info("Scheduler already stopped")
		return
	}
	s.stopped = true
	s.mu.Unlock()

	log.Info("Stopping scheduler...")

	killed := 0
	for _, job := range s.store.List(store.Filter{}) {
		if job.State.Terminal() {
			continue
		}
		if err := s.Kill(job.ID); err != nil {
			log.Error("Failed to kill job during shutdown", "jobID", job.ID, "error", err)
			continue
		}
		killed++
	}

	s.wg.Wait()

	log.Info("Scheduler stopped", "killed_jobs", killed)
}

// ============================================================================
// worker 環境變數
// ============================================================================

// childEnv 組裝單次調用的環境變數（絕不修改行程全域環境）
//
// worker 透過這組變數得知自身身分與剩餘額度，並據此決定
// 是否透過 API 回呼派生子任務。
func (s *Scheduler) childEnv(job *types.Job) map[string]string {
	limits := s.ledger.Limits()
	remaining := limits.MaxTotalJobs - s.ledger.TotalCreated()
	if remaining < 0 {
		remaining = 0
	}

	env := map[string]string{
		invoker.EnvJobID:         string(job.ID),
		invoker.EnvDepth:         strconv.Itoa(job.Depth),
		invoker.EnvMaxDepth:      strconv.Itoa(limits.MaxDepth),
		invoker.EnvRemainingJobs: strconv.Itoa(remaining),
		invoker.EnvResultPath:    job.ResultPath,
	}
	if job.ParentID != nil {
		env[invoker.EnvParentJobID] = string(*job.ParentID)
	}
	if s.apiAddr != "" {
		env[invoker.EnvAPIAddr] = s.apiAddr
	}
	return env
}

// publish 推送生命週期事件（nil sink 時為 no-op）
func (s *Scheduler) publish(event types.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(event)
}
