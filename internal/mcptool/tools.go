package mcptool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/krizzo101/arbor/internal/collector"
	"github.com/krizzo101/arbor/internal/scheduler"
	"github.com/krizzo101/arbor/pkg/types"
)

// ============================================================================
// 工具定義與處理器
// ============================================================================
//
// 每個工具一個結構，持有它需要的依賴（調度器或收集器），
// Definition 描述參數結構，Handle 驗證參數後轉呼叫核心。
// 工具結果一律是 JSON 文字，呼叫端（LLM）自行解讀。
//
// 錯誤處理慣例：參數錯誤與領域錯誤都回傳 tool result error
// （IsError=true），而不是 Go error。Go error 只保留給協定層
// 故障，會中斷整個 MCP session。

// SpawnAgentTool 派生單一背景任務（射後不理）
type SpawnAgentTool struct {
	sched *scheduler.Scheduler
}

func NewSpawnAgentTool(s *scheduler.Scheduler) *SpawnAgentTool {
	return &SpawnAgentTool{sched: s}
}

func (t *SpawnAgentTool) Definition() mcp.Tool {
	return mcp.NewTool("spawn_agent",
		mcp.WithDescription("Spawn one background agent job. Returns immediately with the job id and result file location; the job keeps running after this call. Use collect_results or job_status to retrieve the outcome."),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task prompt handed verbatim to the worker agent"),
		),
		mcp.WithString("parent_id",
			mcp.Description("Job id of the agent spawning this job (ARBOR_JOB_ID in a worker's environment). Omit for a root job."),
		),
	)
}

func (t *SpawnAgentTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	handle, err := t.sched.SpawnOne(task, parentArg(req))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(handle)
}

// SpawnAgentsTool 一次派生整批任務（全有或全無）
type SpawnAgentsTool struct {
	sched *scheduler.Scheduler
}

func NewSpawnAgentsTool(s *scheduler.Scheduler) *SpawnAgentsTool {
	return &SpawnAgentsTool{sched: s}
}

func (t *SpawnAgentsTool) Definition() mcp.Tool {
	return mcp.NewTool("spawn_agents",
		mcp.WithDescription("Spawn a batch of agent jobs that run in parallel. Admission is all-or-nothing: if any job in the batch would exceed a recursion limit, the whole batch is rejected and no jobs are created."),
		mcp.WithArray("tasks",
			mcp.Required(),
			mcp.Description("Task prompts, one per job"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("parent_id",
			mcp.Description("Job id of the spawning agent. Omit for root jobs."),
		),
	)
}

func (t *SpawnAgentsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := req.RequireStringSlice("tasks")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	handles, err := t.sched.SpawnBatch(tasks, parentArg(req))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"handles": handles})
}

// JobStatusTool 查詢單一任務的目前快照
type JobStatusTool struct {
	sched *scheduler.Scheduler
}

func NewJobStatusTool(s *scheduler.Scheduler) *JobStatusTool {
	return &JobStatusTool{sched: s}
}

func (t *JobStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("job_status",
		mcp.WithDescription("Get the current snapshot of one job: state, depth, timestamps, result or failure, and children ids. Works for archived jobs too."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Id returned by spawn_agent or spawn_agents"),
		),
	)
}

func (t *JobStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, err := t.sched.Status(types.JobID(id))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(job)
}

// CollectResultsTool 收集一組任務的結果，可等待、可聚合
type CollectResultsTool struct {
	coll *collector.Collector
}

func NewCollectResultsTool(c *collector.Collector) *CollectResultsTool {
	return &CollectResultsTool{coll: c}
}

func (t *CollectResultsTool) Definition() mcp.Tool {
	return mcp.NewTool("collect_results",
		mcp.WithDescription("Collect results for a set of jobs. With wait=true, blocks until every job is terminal or timeout_seconds elapses; jobs still running at the deadline are reported under \"pending\" rather than failing the call. With aggregate=true, returns results and failures split per job id."),
		mcp.WithArray("job_ids",
			mcp.Required(),
			mcp.Description("Job ids to collect"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the jobs to finish instead of returning current snapshots (default true)"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Upper bound on the wait; 0 or omitted waits indefinitely"),
		),
		mcp.WithBoolean("aggregate",
			mcp.Description("Return a combined results/failures document instead of raw snapshots (implies wait)"),
		),
	)
}

func (t *CollectResultsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawIDs, err := req.RequireStringSlice("job_ids")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ids := make([]types.JobID, len(rawIDs))
	for i, raw := range rawIDs {
		ids[i] = types.JobID(raw)
	}

	wait := req.GetBool("wait", true)
	timeout := time.Duration(req.GetFloat("timeout_seconds", 0) * float64(time.Second))

	if req.GetBool("aggregate", false) {
		combined, err := t.coll.Aggregate(ctx, ids, timeout)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(combined)
	}

	coll, err := t.coll.Collect(ctx, ids, wait, timeout)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(coll)
}

// KillJobTool 終止任務並回傳其終態快照
type KillJobTool struct {
	sched *scheduler.Scheduler
}

func NewKillJobTool(s *scheduler.Scheduler) *KillJobTool {
	return &KillJobTool{sched: s}
}

func (t *KillJobTool) Definition() mcp.Tool {
	return mcp.NewTool("kill_job",
		mcp.WithDescription("Terminate a running or pending job. Killing an already finished job is a no-op. Children of the killed job keep running; kill them explicitly if needed."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Id of the job to terminate"),
		),
	)
}

func (t *KillJobTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	jobID := types.JobID(id)
	if err := t.sched.Kill(jobID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	job, err := t.sched.Status(jobID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(job)
}

// StatsTool 回報編排器整體統計
type StatsTool struct {
	sched *scheduler.Scheduler
}

func NewStatsTool(s *scheduler.Scheduler) *StatsTool {
	return &StatsTool{sched: s}
}

func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("orchestrator_stats",
		mcp.WithDescription("Report orchestrator-wide counters: jobs by state, jobs by depth, configured recursion limits, per-depth running counts, and the total number of jobs ever created."),
	)
}

func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.sched.Stats())
}

// ============================================================================
// 共用輔助
// ============================================================================

// parentArg 讀取選填的 parent_id 參數
func parentArg(req mcp.CallToolRequest) *types.JobID {
	if v := req.GetString("parent_id", ""); v != "" {
		id := types.JobID(v)
		return &id
	}
	return nil
}

// jsonResult 將任意值編碼為縮排 JSON 的工具結果
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
