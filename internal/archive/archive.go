// ============================================================================
// Arbor Archive - 終態任務的 SQLite 歸檔
// ============================================================================
//
// Package: internal/archive
// 文件: archive.go
// 功能: 將終態任務持久化到 SQLite，支援行程重啟後的查詢與歷史瀏覽
//
// 設計重點:
//   - 只歸檔終態任務：pending/running 是易失的行程內狀態，重啟即消失，
//     歸檔層不試圖恢復執行中的工作
//   - 完整快照以 JSON 存於 snapshot 欄位，payload 對歸檔層保持不透明；
//     state/depth/parent_id 等欄位是為了查詢而冗餘展開的索引欄
//   - INSERT OR REPLACE 確保重複歸檔冪等（同一任務只有一份最終快照）
//
// 併發安全:
//   - database/sql 連線池本身是 goroutine 安全的
//   - SQLite 以 WAL 模式開啟，讀寫互不阻塞
//
// ============================================================================

package archive

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/krizzo101/arbor/pkg/types"
)

// ErrNotArchived 查無歸檔紀錄
var ErrNotArchived = errors.New("job not archived")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	depth       INTEGER NOT NULL,
	parent_id   TEXT,
	task        TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	finished_at TEXT,
	snapshot    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_id);
CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
`

// Archive 終態任務歸檔
type Archive struct {
	db *sql.DB
}

// Open 開啟（必要時建立）歸檔資料庫
//
// 參數：
//   - path: SQLite 檔案路徑
//
// 返回值：
//   - *Archive: 歸檔實例
//   - error: 開啟或建表失敗的錯誤
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// SaveTerminal 歸檔一個終態任務（冪等）
func (a *Archive) SaveTerminal(job *types.Job) error {
	if !job.State.Terminal() {
		return fmt.Errorf("archive job %s: state %s is not terminal", job.ID, job.State)
	}

	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	var parentID sql.NullString
	if job.ParentID != nil {
		parentID = sql.NullString{String: string(*job.ParentID), Valid: true}
	}
	var finishedAt sql.NullString
	if job.FinishedAt != nil {
		finishedAt = sql.NullString{String: job.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err = a.db.Exec(`INSERT OR REPLACE INTO jobs
		(id, state, depth, parent_id, task, created_at, finished_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(job.ID),
		string(job.State),
		job.Depth,
		parentID,
		job.Task,
		job.CreatedAt.UTC().Format(time.RFC3339Nano),
		finishedAt,
		string(snapshot),
	)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}

// Lookup 讀取單一任務的歸檔快照
func (a *Archive) Lookup(id types.JobID) (*types.Job, error) {
	var snapshot string
	err := a.db.QueryRow(`SELECT snapshot FROM jobs WHERE id = ?`, string(id)).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotArchived, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup job %s: %w", id, err)
	}
	return decodeSnapshot(snapshot)
}

// Recent 依終結時間倒序列出最近歸檔的任務
//
// state 為空字串時不過濾狀態。limit <= 0 時回傳全部。
func (a *Archive) Recent(state types.JobState, limit int) ([]*types.Job, error) {
	query := `SELECT snapshot FROM jobs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY finished_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		job, err := decodeSnapshot(snapshot)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByState 統計歸檔中各狀態的任務數
func (a *Archive) CountByState() (map[types.JobState]int, error) {
	rows, err := a.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count archive: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan archive count: %w", err)
		}
		counts[types.JobState(state)] = count
	}
	return counts, rows.Err()
}

// Close 關閉資料庫連線
func (a *Archive) Close() error {
	return a.db.Close()
}

func decodeSnapshot(snapshot string) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(snapshot), &job); err != nil {
		return nil, fmt.Errorf("decode archived job: %w", err)
	}
	return &job, nil
}
