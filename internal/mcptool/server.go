// Package mcptool 將編排器包裝成 MCP stdio 工具伺服器。
//
// 這裡是工具面的組裝根：不含業務邏輯，只建立工具定義並把
// 調度器與收集器注入各處理器。stdout 屬於 MCP 協定專用，
// 所有日誌都必須走 stderr。
package mcptool

import (
	"context"
	"errors"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/krizzo101/arbor/internal/collector"
	"github.com/krizzo101/arbor/internal/scheduler"
)

const serverName = "arbor"

// Options 組裝 MCP 伺服器所需的依賴
type Options struct {
	Scheduler *scheduler.Scheduler
	Collector *collector.Collector
	Version   string
}

// New 建立已註冊全部工具的 MCP 伺服器
func New(opts Options) (*server.MCPServer, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("mcptool: scheduler is required")
	}
	if opts.Collector == nil {
		return nil, errors.New("mcptool: collector is required")
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)

	// --- 派生工具 ---

	spawnOne := NewSpawnAgentTool(opts.Scheduler)
	s.AddTool(spawnOne.Definition(), spawnOne.Handle)

	spawnBatch := NewSpawnAgentsTool(opts.Scheduler)
	s.AddTool(spawnBatch.Definition(), spawnBatch.Handle)

	// --- 查詢與收集工具 ---

	status := NewJobStatusTool(opts.Scheduler)
	s.AddTool(status.Definition(), status.Handle)

	collect := NewCollectResultsTool(opts.Collector)
	s.AddTool(collect.Definition(), collect.Handle)

	// --- 控制與統計工具 ---

	kill := NewKillJobTool(opts.Scheduler)
	s.AddTool(kill.Definition(), kill.Handle)

	stats := NewStatsTool(opts.Scheduler)
	s.AddTool(stats.Definition(), stats.Handle)

	return s, nil
}

// ServeStdio 以 stdin/stdout 服務 MCP 協定，直到 ctx 取消或
// 客戶端斷線
func ServeStdio(ctx context.Context, s *server.MCPServer) error {
	stdio := server.NewStdioServer(s)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// serverInstructions 告訴呼叫端的 LLM 如何正確使用這組工具
func serverInstructions() string {
	return `You have access to arbor, a recursive agent job orchestrator.

## Core model
- spawn_agent / spawn_agents start background jobs and return IMMEDIATELY
  with a job_id and a result_location (a JSON file written when the job
  finishes). Spawning never blocks on job completion.
- Spawned agents may themselves call spawn_agent(s) with their own job id
  as parent_id, forming a job tree. A recursion ledger enforces hard
  limits on depth, running jobs per depth, children per parent, and
  total jobs ever created. When a limit would be exceeded the spawn call
  fails up front and NO jobs from that call are created.

## Typical workflows
Fire-and-forget: spawn_agent -> keep the job_id -> check job_status
later, or poll the result_location file.

Parallel fan-out: spawn_agents with several tasks -> collect_results
with wait=true and a timeout_seconds bound -> jobs still running at the
deadline come back under "pending", never as an error. Call
collect_results again with the pending ids to keep waiting.

Aggregation: collect_results with aggregate=true returns one document
with per-job "results" and "failures" maps, so partial success stays
actionable.

## Rules
- One job's failure never aborts its siblings; always inspect per-job
  outcomes instead of assuming batch-level success.
- kill_job stops one job only; its children keep running.
- Use orchestrator_stats to see remaining headroom before large fan-outs.`
}
