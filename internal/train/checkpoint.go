package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lsdtrain/internal/atomicfile"
	"lsdtrain/internal/diag"
	"lsdtrain/pkg/contract"
)

// Checkpoint 为单个检查点文件（JSON）。
type Checkpoint struct {
	Model     string    `json:"model"`
	Iteration int64     `json:"iteration"`
	Params    []float64 `json:"params"`
	Adam      AdamState `json:"adam"`
	SavedAt   string    `json:"saved_at"`
	// RunID: 写入该检查点的运行（日志 corr_id）；恢复后的运行会写入新的值。
	RunID string `json:"run_id,omitempty"`
}

// CheckpointName 返回 "<basename>_<iteration>.json"。
func CheckpointName(basename string, iteration int64) string {
	return fmt.Sprintf("%s_%d.json", basename, iteration)
}

func saveCheckpoint(ctx context.Context, w *atomicfile.Writer, basename string, ck Checkpoint) (string, error) {
	ck.SavedAt = diag.NowUTC()
	b, err := json.Marshal(ck)
	if err != nil {
		return "", err
	}
	rel := CheckpointName(basename, ck.Iteration)
	if err := w.WriteBytes(ctx, rel, b); err != nil {
		return "", err
	}
	return filepath.Join(w.Root(), rel), nil
}

// LatestCheckpoint 返回 dir 中迭代号最大的检查点路径；目录不存在或无检查点时返回 ""。
func LatestCheckpoint(dir, basename string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	prefix := basename + "_"
	best, bestIter := "", int64(-1)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		it, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"), 10, 64)
		if err != nil || it < 0 {
			continue
		}
		if it > bestIter {
			best, bestIter = filepath.Join(dir, name), it
		}
	}
	if best == "" {
		return "", 0, nil
	}
	return best, bestIter, nil
}

func loadCheckpoint(path string) (Checkpoint, error) {
	var ck Checkpoint
	b, err := os.ReadFile(path)
	if err != nil {
		return ck, err
	}
	if err := json.Unmarshal(b, &ck); err != nil {
		return ck, fmt.Errorf("%w: checkpoint %s: %v", contract.ErrConfig, path, err)
	}
	return ck, nil
}
