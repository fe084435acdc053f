// ============================================================================
// Arbor CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   arbor                          # Root command
//   ├── serve                      # Start the orchestrator
//   │   └── --api-only             # Skip the MCP stdio transport
//   ├── spawn [task]               # Submit jobs to a running orchestrator
//   │   ├── --file, -f             # JSON file with an array of task strings
//   │   ├── --parent               # Parent job id (recursive spawn)
//   │   ├── --wait                 # Block until the jobs finish
//   │   └── --timeout              # Wait deadline in seconds
//   ├── status                     # View orchestrator status
//   ├── history                    # Query the terminal-job archive
//   │   ├── --state                # Filter by terminal state
//   │   └── --limit                # Maximum rows
//   ├── --config, -c               # Config file path (all commands)
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// serve Command:
//   Starts the complete orchestrator, including:
//   1. Load config file
//   2. Wire store, ledger, scheduler, collector, archive, metrics
//   3. Start the HTTP API and websocket event feed (if enabled)
//   4. Serve MCP tools on stdin/stdout (unless --api-only)
//   5. Listen for system signals (SIGINT, SIGTERM)
//   6. Gracefully shut the system down
//
//   stdout belongs to the MCP stdio transport, so every log line in the
//   whole process goes to stderr. When the MCP client closes stdin the
//   orchestrator shuts down as if it had received a signal.
//
//   Examples:
//     ./arbor serve
//     ./arbor serve -c custom-config.yaml
//     ./arbor serve --api-only        # HTTP API without MCP (daemon use)
//
// spawn Command:
//   Submits one task (argument) or a batch (--file) to a RUNNING
//   orchestrator over its HTTP API, then prints the job handles as JSON.
//   With --wait it blocks until the jobs finish and prints the aggregated
//   results instead.
//
//   Examples:
//     ./arbor spawn "summarize the build failures"
//     ./arbor spawn -f tasks.json --wait --timeout 120
//     ./arbor spawn "dig deeper" --parent 3f2a...
//
// status Command:
//   Displays configured limits plus live counters fetched from the
//   running orchestrator's /api/stats endpoint.
//
// history Command:
//   Reads the sqlite archive directly (no running orchestrator needed)
//   and prints recent terminal jobs, newest first.
//
// Signal Handling:
//   serve captures SIGINT and SIGTERM. Graceful shutdown flow:
//   1. Stop the HTTP API (drain in-flight requests, drop ws clients)
//   2. Kill all running jobs and wait for their goroutines
//   3. Close the archive
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/krizzo101/arbor/internal/api"
	"github.com/krizzo101/arbor/internal/archive"
	"github.com/krizzo101/arbor/internal/collector"
	"github.com/krizzo101/arbor/internal/config"
	"github.com/krizzo101/arbor/internal/invoker"
	"github.com/krizzo101/arbor/internal/ledger"
	"github.com/krizzo101/arbor/internal/mcptool"
	"github.com/krizzo101/arbor/internal/metrics"
	"github.com/krizzo101/arbor/internal/results"
	"github.com/krizzo101/arbor/internal/scheduler"
	"github.com/krizzo101/arbor/internal/store"
	"github.com/krizzo101/arbor/pkg/types"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "arbor",
		Short: "Arbor: a recursive agent job orchestrator",
		Long: `Arbor runs LLM agent jobs as supervised worker processes with:
- Recursive spawning (agents spawn sub-agents) under hard depth/count limits
- True parallel batches with all-or-nothing admission
- Fire-and-forget result files plus blocking collection
- MCP stdio tools, HTTP API, and a websocket event feed`,
		Version: Version,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSpawnCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	var apiOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the arbor orchestrator",
		Long:  "Start the orchestrator: MCP tools on stdio, HTTP API, scheduler, and archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(apiOnly)
		},
	}

	cmd.Flags().BoolVar(&apiOnly, "api-only", false, "Serve the HTTP API without the MCP stdio transport")

	return cmd
}

func runServe(apiOnly bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Printf("Starting arbor orchestrator (config: %s)\n", configFile)
	log.Printf("Worker command: %v, job timeout: %s\n", cfg.Worker.Command, cfg.JobTimeout())
	log.Printf("Limits: depth=%d total=%d children=%d concurrent=%d\n",
		cfg.Limits.MaxDepth, cfg.Limits.MaxTotalJobs,
		cfg.Limits.MaxChildrenPerParent, cfg.Limits.DefaultConcurrent)

	writer, err := results.NewWriter(cfg.Results.Dir)
	if err != nil {
		return fmt.Errorf("failed to prepare results dir: %w", err)
	}

	inv, err := invoker.NewExecInvoker(cfg.Worker.Command)
	if err != nil {
		return fmt.Errorf("failed to build worker invoker: %w", err)
	}

	st := store.New()
	mc := metrics.NewCollector()
	hub := api.NewHub()

	opts := scheduler.Options{
		Store:      st,
		Ledger:     ledger.New(cfg.Limits),
		Invoker:    inv,
		Results:    writer,
		JobTimeout: cfg.JobTimeout(),
		Events:     hub,
		Metrics:    mc,
	}

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Archive.Path), 0o755); err != nil {
			return fmt.Errorf("failed to prepare archive dir: %w", err)
		}
		arch, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer arch.Close()
		opts.Archive = arch
		log.Printf("Archive: %s\n", cfg.Archive.Path)
	}

	// Bind the API listener before building the scheduler so spawned
	// workers get the final address (":0" resolves to a real port here).
	var ln net.Listener
	if cfg.API.Enabled {
		ln, err = net.Listen("tcp", cfg.API.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.API.Addr, err)
		}
		opts.APIAddr = ln.Addr().String()
	}

	sched, err := scheduler.New(opts)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}
	coll := collector.New(st)

	var apiSrv *api.Server
	if ln != nil {
		apiSrv, err = api.NewServer(api.Options{
			Scheduler: sched,
			Collector: coll,
			Hub:       hub,
			Metrics:   mc.Handler(),
		})
		if err != nil {
			return fmt.Errorf("failed to build API server: %w", err)
		}
		go func() {
			if err := apiSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("API server error: %v\n", err)
			}
		}()
		log.Printf("API listening on http://%s\n", opts.APIAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mcpDone := make(chan error, 1)
	if !apiOnly {
		mcpSrv, err := mcptool.New(mcptool.Options{
			Scheduler: sched,
			Collector: coll,
			Version:   Version,
		})
		if err != nil {
			return fmt.Errorf("failed to build MCP server: %w", err)
		}
		go func() {
			mcpDone <- mcptool.ServeStdio(ctx, mcpSrv)
		}()
		log.Println("MCP tools serving on stdio")
	}

	log.Println("Orchestrator started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("Received shutdown signal, stopping gracefully...")
	case err := <-mcpDone:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			log.Printf("MCP transport closed: %v\n", err)
		} else {
			log.Println("MCP client disconnected, stopping...")
		}
	}

	cancel()

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("API shutdown error: %v\n", err)
		}
		shutdownCancel()
	}

	sched.Stop()

	log.Println("Orchestrator stopped. Goodbye!")
	return nil
}

func buildSpawnCommand() *cobra.Command {
	var apiAddr string
	var taskFile string
	var parentID string
	var wait bool
	var timeoutSecs float64

	cmd := &cobra.Command{
		Use:   "spawn [task]",
		Short: "Submit jobs to a running orchestrator",
		Long:  "Submit one task (argument) or a batch (--file: JSON array of task strings) over the HTTP API",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := ""
			if len(args) == 1 {
				task = args[0]
			}
			return spawnJobs(apiAddr, task, taskFile, parentID, wait, timeoutSecs)
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "", "Orchestrator API address (default: from config)")
	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "JSON file containing an array of task strings")
	cmd.Flags().StringVar(&parentID, "parent", "", "Parent job id for recursive spawns")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the jobs finish and print aggregated results")
	cmd.Flags().Float64Var(&timeoutSecs, "timeout", 0, "Wait deadline in seconds (0 waits indefinitely)")

	return cmd
}

func spawnJobs(apiAddr, task, taskFile, parentID string, wait bool, timeoutSecs float64) error {
	if task == "" && taskFile == "" {
		return fmt.Errorf("a task argument or --file is required")
	}
	if task != "" && taskFile != "" {
		return fmt.Errorf("task argument and --file are mutually exclusive")
	}

	base, err := apiBaseURL(apiAddr)
	if err != nil {
		return err
	}

	payload := map[string]any{}
	count := 1
	if task != "" {
		payload["task"] = task
	} else {
		data, err := os.ReadFile(taskFile)
		if err != nil {
			return fmt.Errorf("failed to read task file: %w", err)
		}
		var tasks []string
		if err := json.Unmarshal(data, &tasks); err != nil {
			return fmt.Errorf("failed to parse task file (expected a JSON array of strings): %w", err)
		}
		payload["tasks"] = tasks
		count = len(tasks)
	}
	if parentID != "" {
		payload["parent_id"] = parentID
	}

	log.Printf("Submitting %d job(s) to %s\n", count, base)

	var spawned struct {
		Handles []types.JobHandle `json:"handles"`
	}
	if err := postJSON(base+"/api/jobs", payload, &spawned); err != nil {
		return err
	}

	out, _ := json.MarshalIndent(spawned.Handles, "", "  ")
	fmt.Println(string(out))

	if !wait {
		return nil
	}

	ids := make([]string, len(spawned.Handles))
	for i, h := range spawned.Handles {
		ids[i] = string(h.JobID)
	}
	log.Printf("Waiting for %d job(s)...\n", len(ids))

	var combined json.RawMessage
	err = postJSON(base+"/api/collect", map[string]any{
		"job_ids":         ids,
		"wait":            true,
		"timeout_seconds": timeoutSecs,
		"aggregate":       true,
	}, &combined)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, combined, "", "  "); err != nil {
		fmt.Println(string(combined))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func buildStatusCommand() *cobra.Command {
	var apiAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator status",
		Long:  "Display configured limits and live job statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(apiAddr)
		},
	}

	cmd.Flags().StringVar(&apiAddr, "api", "", "Orchestrator API address (default: from config)")

	return cmd
}

func showStatus(apiAddr string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║               Arbor Orchestrator Status                   ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	// System Configuration
	fmt.Println("📋 Configuration:")
	fmt.Printf("  └─ Config File:     %s\n", configFile)
	fmt.Printf("  └─ Worker Command:  %v\n", cfg.Worker.Command)
	fmt.Printf("  └─ Job Timeout:     %s\n", cfg.JobTimeout())
	fmt.Printf("  └─ Results Dir:     %s\n", cfg.Results.Dir)
	fmt.Println()

	// Recursion Limits
	fmt.Println("🛡  Recursion Limits:")
	fmt.Printf("  ├─ Max Depth:             %d\n", cfg.Limits.MaxDepth)
	fmt.Printf("  ├─ Max Total Jobs:        %d\n", cfg.Limits.MaxTotalJobs)
	fmt.Printf("  ├─ Max Children/Parent:   %d\n", cfg.Limits.MaxChildrenPerParent)
	fmt.Printf("  └─ Default Concurrent:    %d\n", cfg.Limits.DefaultConcurrent)
	for depth, limit := range cfg.Limits.MaxConcurrentPerDepth {
		fmt.Printf("     └─ Depth %d Override:   %d\n", depth, limit)
	}
	fmt.Println()

	// Live statistics from the running orchestrator
	stats, err := fetchStats(apiAddr, cfg)
	if err != nil {
		fmt.Println("📊 Job Statistics:")
		fmt.Println("  └─ Orchestrator not reachable (run 'arbor serve' to start)")
		fmt.Println()
	} else {
		total := 0
		for _, n := range stats.JobsByState {
			total += n
		}

		fmt.Println("📊 Job Statistics:")
		fmt.Printf("  ├─ In Memory:      %d\n", total)
		fmt.Printf("  ├─ ⏳ Pending:      %d\n", stats.JobsByState[types.StatePending])
		fmt.Printf("  ├─ 🔄 Running:      %d\n", stats.JobsByState[types.StateRunning])
		fmt.Printf("  ├─ ✅ Completed:    %d\n", stats.JobsByState[types.StateCompleted])
		fmt.Printf("  ├─ ❌ Failed:       %d\n", stats.JobsByState[types.StateFailed])
		fmt.Printf("  ├─ 💀 Killed:       %d\n", stats.JobsByState[types.StateKilled])
		fmt.Printf("  ├─ ⏰ Timed Out:    %d\n", stats.JobsByState[types.StateTimedOut])
		fmt.Printf("  └─ Total Created:  %d\n", stats.TotalCreated)
		fmt.Println()

		if len(stats.JobsByDepth) > 0 {
			fmt.Println("🌲 Jobs by Depth:")
			for depth := 0; depth <= cfg.Limits.MaxDepth; depth++ {
				if n, ok := stats.JobsByDepth[depth]; ok {
					fmt.Printf("  └─ Depth %d:  %d jobs (%d running)\n",
						depth, n, stats.CurrentCounts[depth])
				}
			}
			fmt.Println()
		}
	}

	// Archive Status
	fmt.Println("💾 Archive:")
	if cfg.Archive.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled at %s\n", cfg.Archive.Path)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	// API Status
	fmt.Println("📡 API:")
	if cfg.API.Enabled {
		fmt.Printf("  └─ Status: ✅ Enabled on http://%s (metrics at /metrics)\n", cfg.API.Addr)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

func buildHistoryCommand() *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived terminal jobs",
		Long:  "Query the sqlite archive for finished jobs, newest first (no running orchestrator needed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showHistory(state, limit)
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by terminal state (completed, failed, killed, timed_out)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to display")

	return cmd
}

func showHistory(state string, limit int) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Archive.Enabled {
		return fmt.Errorf("archive is disabled in %s", configFile)
	}

	arch, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer arch.Close()

	jobs, err := arch.Recent(types.JobState(state), limit)
	if err != nil {
		return fmt.Errorf("failed to query archive: %w", err)
	}

	counts, err := arch.CountByState()
	if err != nil {
		return fmt.Errorf("failed to count archive: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Printf("\n💾 Archive: %d terminal jobs", total)
	if state != "" {
		fmt.Printf(" (showing state=%s)", state)
	}
	fmt.Println()
	fmt.Println()

	if len(jobs) == 0 {
		fmt.Println("  (no matching jobs)")
		return nil
	}

	fmt.Printf("  %-36s  %-10s  %-5s  %-25s  %s\n", "JOB ID", "STATE", "DEPTH", "FINISHED", "TASK")
	for _, job := range jobs {
		finished := ""
		if job.FinishedAt != nil {
			finished = job.FinishedAt.Local().Format("2006-01-02 15:04:05.000")
		}
		fmt.Printf("  %-36s  %-10s  %-5d  %-25s  %s\n",
			job.ID, job.State, job.Depth, finished, truncateTask(job.Task, 40))
	}
	fmt.Println()
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

// apiBaseURL resolves the orchestrator address from the flag or config.
func apiBaseURL(flagAddr string) (string, error) {
	addr := flagAddr
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return "", fmt.Errorf("failed to load config: %w", err)
		}
		if !cfg.API.Enabled {
			return "", fmt.Errorf("API is disabled in %s; pass --api explicitly", configFile)
		}
		addr = cfg.API.Addr
	}
	return "http://" + addr, nil
}

// postJSON posts a JSON body and decodes the JSON response into out.
// Non-2xx responses are turned into errors carrying the server's message.
func postJSON(url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("orchestrator not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("orchestrator rejected request: %s", apiErr.Error)
		}
		return fmt.Errorf("orchestrator returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchStats reads live counters from the running orchestrator.
func fetchStats(flagAddr string, cfg *config.Config) (*types.Stats, error) {
	addr := flagAddr
	if addr == "" {
		if !cfg.API.Enabled {
			return nil, fmt.Errorf("API disabled")
		}
		addr = cfg.API.Addr
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats endpoint returned %s", resp.Status)
	}

	var stats types.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func truncateTask(task string, limit int) string {
	if len(task) <= limit {
		return task
	}
	return task[:limit-3] + "..."
}
