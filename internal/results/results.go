package results

// ============================================================================
// 職責說明：
// 1. 為每個任務指派唯一的結果檔路徑（即 spawn 回傳的 result_location）
// 2. 任務進入終態時將完整任務文件序列化為 JSON 寫入
// 3. 使用原子性寫入（temp file + rename），外部輪詢者
//    永遠不會讀到寫到一半的檔案
// 4. 提供讀取端供收集器與重啟後的查詢使用
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/krizzo101/arbor/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotWritten      = errors.New("result file not written yet")
	ErrCorruptedResult = errors.New("result file is corrupted")
)

// ============================================================================
// 核心實作
// ============================================================================

// Writer 結果檔寫入器
//
// 每個任務有自己的唯一路徑，且只有狀態轉換的勝出方會寫入，
// 因此不同任務的寫入天然互不干擾。
type Writer struct {
	dir string
}

// NewWriter 建立結果檔寫入器並確保目錄存在
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// PathFor 回傳任務的結果檔路徑（建立任務時即可指派）
func (w *Writer) PathFor(id types.JobID) string {
	return filepath.Join(w.dir, string(id)+".json")
}

// Write 原子性寫入任務的終態文件
//
// 寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換目標檔案
//
// 文件內容為完整任務快照（自我描述），輪詢者只需檢查檔案
// 是否存在即可判定任務完成。
func (w *Writer) Write(job *types.Job) error {
	jsonBytes, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result for %s: %w", job.ID, err)
	}

	path := w.PathFor(job.ID)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp result: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename result: %w", err)
	}

	return nil
}

// Remove 刪除任務的結果檔（任務被移除時的清理）
//
// 檔案不存在時視為成功。
func (w *Writer) Remove(id types.JobID) error {
	err := os.Remove(w.PathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove result: %w", err)
	}
	return nil
}

// Read 讀取結果檔並還原任務文件
//
// 返回值：
//   - *types.Job: 結果檔中的任務快照
//   - error: ErrNotWritten（尚未寫入）/ ErrCorruptedResult（內容損壞）
func Read(path string) (*types.Job, error) {
	jsonBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotWritten
		}
		return nil, fmt.Errorf("failed to read result: %w", err)
	}

	var job types.Job
	if err := json.Unmarshal(jsonBytes, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedResult, err)
	}
	return &job, nil
}
