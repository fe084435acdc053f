package results

// ============================================================================
// 結果檔測試檔案
// 職責：驗證結果檔的原子性寫入、讀取、錯誤處理與清理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krizzo101/arbor/pkg/types"
)

func newTerminalJob(id string) *types.Job {
	now := time.Now()
	started := now.Add(-time.Second)
	return &types.Job{
		ID:         types.JobID(id),
		Task:       "summarize the build log",
		Depth:      1,
		State:      types.StateCompleted,
		CreatedAt:  now.Add(-2 * time.Second),
		StartedAt:  &started,
		FinishedAt: &now,
		Result: &types.Result{
			Payload: json.RawMessage(`{"summary":"ok"}`),
			Usage:   types.Usage{ElapsedMS: 1000, Tokens: 42},
		},
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestWriteAndRead 測試寫入與讀回結果檔
func TestWriteAndRead(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	job := newTerminalJob("job-001")
	require.NoError(t, w.Write(job))

	loaded, err := Read(w.PathFor(job.ID))
	require.NoError(t, err)

	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, types.StateCompleted, loaded.State)
	require.NotNil(t, loaded.Result)
	assert.JSONEq(t, `{"summary":"ok"}`, string(loaded.Result.Payload))
	assert.Equal(t, int64(42), loaded.Result.Usage.Tokens)
}

// TestPathForIsUniquePerJob 測試每個任務擁有獨立路徑
func TestPathForIsUniquePerJob(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	assert.NotEqual(t, w.PathFor("job-a"), w.PathFor("job-b"))
	assert.Equal(t, w.PathFor("job-a"), w.PathFor("job-a"))
}

// TestReadBeforeWrite 測試讀取尚未寫入的結果
func TestReadBeforeWrite(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	_, err = Read(w.PathFor("missing"))
	assert.ErrorIs(t, err, ErrNotWritten)
}

// TestReadCorruptedFile 測試損壞結果檔的偵測
func TestReadCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{ not json"), 0o644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrCorruptedResult)
}

// TestRemove 測試結果檔清理
func TestRemove(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	job := newTerminalJob("job-001")
	require.NoError(t, w.Write(job))
	require.NoError(t, w.Remove(job.ID))

	_, err = Read(w.PathFor(job.ID))
	assert.ErrorIs(t, err, ErrNotWritten)

	// 再次刪除視為成功
	assert.NoError(t, w.Remove(job.ID))
}

// ============================================================================
// 原子性測試
// ============================================================================

// TestAtomicWrite 測試寫入後不殘留臨時檔，且讀取端永遠看到完整 JSON
func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	job := newTerminalJob("job-001")
	path := w.PathFor(job.ID)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// 讀取端持續輪詢，不得觀察到解析失敗
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if loaded, err := Read(path); err == nil {
				assert.Equal(t, types.JobID("job-001"), loaded.ID)
			} else {
				assert.ErrorIs(t, err, ErrNotWritten)
			}
		}
	}()

	// 寫入端重複覆寫
	for i := 0; i < 50; i++ {
		require.NoError(t, w.Write(job))
	}
	close(stop)
	wg.Wait()

	// 沒有殘留的臨時檔
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}
