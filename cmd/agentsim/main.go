// agentsim is a stand-in worker executable for exercising the arbor
// orchestrator without any real LLM behind it.
//
// It receives the task string as its final argument and its job context
// through the ARBOR_* environment variables, exactly like a production
// worker. The task is a tiny directive language:
//
//	echo:TEXT        print a JSON payload echoing TEXT and exit 0
//	sleep:DURATION   sleep (Go duration syntax), then behave like echo
//	fail:MESSAGE     print MESSAGE to stderr and exit 1
//	hang             block until killed (timeout / kill_job testing)
//	spawn:N:SUBTASK  POST a batch of N SUBTASK children to ARBOR_API_ADDR
//	                 with this job as parent, wait for them, and report
//	                 their aggregated outcome
//
// The spawn directive is the interesting one: it drives the recursive
// self-reference contract end to end, calling back into the same
// admission path that spawned this process.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/krizzo101/arbor/internal/invoker"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "agentsim: missing task argument")
		os.Exit(2)
	}
	task := os.Args[len(os.Args)-1]

	directive, arg, _ := strings.Cut(task, ":")
	switch directive {
	case "echo":
		emit(map[string]any{"echo": arg, "job_id": os.Getenv(invoker.EnvJobID)})

	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			fatalf("bad sleep duration %q: %v", arg, err)
		}
		time.Sleep(d)
		emit(map[string]any{"slept": d.String(), "job_id": os.Getenv(invoker.EnvJobID)})

	case "fail":
		fmt.Fprintln(os.Stderr, arg)
		os.Exit(1)

	case "hang":
		select {}

	case "spawn":
		runSpawn(arg)

	default:
		// Anything else is treated as plain work: echo the task back.
		emit(map[string]any{"echo": task, "job_id": os.Getenv(invoker.EnvJobID)})
	}
}

// runSpawn fans out N child jobs through the orchestrator API and waits
// for their combined outcome. arg is "N:SUBTASK".
func runSpawn(arg string) {
	countStr, subtask, ok := strings.Cut(arg, ":")
	if !ok {
		fatalf("spawn directive needs the form spawn:N:SUBTASK, got %q", arg)
	}
	n, err := strconv.Atoi(countStr)
	if err != nil || n < 1 {
		fatalf("bad spawn count %q", countStr)
	}

	apiAddr := os.Getenv(invoker.EnvAPIAddr)
	if apiAddr == "" {
		fatalf("spawn directive requires %s in the environment", invoker.EnvAPIAddr)
	}
	base := "http://" + apiAddr

	tasks := make([]string, n)
	for i := range tasks {
		tasks[i] = subtask
	}

	var spawned struct {
		Handles []struct {
			JobID          string `json:"job_id"`
			ResultLocation string `json:"result_location"`
		} `json:"handles"`
	}
	err = postJSON(base+"/api/jobs", map[string]any{
		"tasks":     tasks,
		"parent_id": os.Getenv(invoker.EnvJobID),
	}, &spawned)
	if err != nil {
		fatalf("spawn children: %v", err)
	}

	ids := make([]string, len(spawned.Handles))
	for i, h := range spawned.Handles {
		ids[i] = h.JobID
	}

	var combined json.RawMessage
	err = postJSON(base+"/api/collect", map[string]any{
		"job_ids":   ids,
		"wait":      true,
		"aggregate": true,
	}, &combined)
	if err != nil {
		fatalf("collect children: %v", err)
	}

	emit(map[string]any{
		"spawned":  len(ids),
		"job_id":   os.Getenv(invoker.EnvJobID),
		"depth":    os.Getenv(invoker.EnvDepth),
		"children": combined,
	})
}

// emit prints the result payload the invoker expects on stdout.
func emit(payload any) {
	if err := json.NewEncoder(os.Stdout).Encode(payload); err != nil {
		fatalf("encode result: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "agentsim: "+format+"\n", args...)
	os.Exit(1)
}

func postJSON(url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
