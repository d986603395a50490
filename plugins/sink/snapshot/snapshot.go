// Package snapshot 周期性地把批中的数组写成 zarr 容器 <dir>/batch_<iteration>.zarr。
// 先写入同目录下的临时目录，完成后整体替换目标目录。
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lsdtrain/internal/atomicfile"
	"lsdtrain/internal/diag"
	"lsdtrain/internal/zarr"
	"lsdtrain/pkg/contract"
	"lsdtrain/plugins/sink"
)

type Options struct {
	Every int64 `json:"every"`
	// Dir: 输出目录，默认 snapshots。
	Dir string `json:"dir"`
	// Filename: 容器名模板，{iteration} 替换为迭代号；默认 batch_{iteration}.zarr。
	Filename string `json:"filename"`
	// Datasets: 通道名 → 数据集路径；为空时写出批中全部数组（数据集名为小写通道名）。
	Datasets map[string]string `json:"datasets"`
	// Chunk: 块大小（体素）；非正分量取整轴。
	Chunk [3]int64 `json:"chunk"`
	// Compressor: zstd（默认）或 raw。
	Compressor string `json:"compressor"`
}

type Snapshot struct {
	contract.Passthrough
	name     string
	opts     Options
	datasets map[*contract.ArrayKey]string
	logger   *diag.Logger
}

func New(name string, opts *Options, keys *contract.Keys, logger *diag.Logger) (*Snapshot, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &Snapshot{name: name, opts: *opts, logger: logger}
	if s.opts.Dir == "" {
		s.opts.Dir = "snapshots"
	}
	if s.opts.Filename == "" {
		s.opts.Filename = "batch_{iteration}.zarr"
	}
	if s.opts.Compressor == "" {
		s.opts.Compressor = "zstd"
	}
	if c := s.opts.Compressor; c != "zstd" && c != "raw" {
		return nil, fmt.Errorf("%w: %s: unknown compressor %q", contract.ErrConfig, name, c)
	}
	if strings.ContainsAny(s.opts.Filename, `/\`) {
		return nil, fmt.Errorf("%w: %s: filename must not contain path separators", contract.ErrConfig, name)
	}
	if len(opts.Datasets) > 0 {
		s.datasets = map[*contract.ArrayKey]string{}
		for kn, ds := range opts.Datasets {
			k, err := keys.Key(kn)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(ds) == "" {
				return nil, fmt.Errorf("%w: %s: empty dataset name for %s", contract.ErrConfig, name, kn)
			}
			s.datasets[k] = ds
		}
	}
	return s, nil
}

func (s *Snapshot) Name() string { return s.name }

func (s *Snapshot) Setup(up contract.Spec) (contract.Spec, error) {
	keys := make([]*contract.ArrayKey, 0, len(s.datasets))
	for k := range s.datasets {
		keys = append(keys, k)
	}
	if err := contract.RequireKeys(s.name, up, keys...); err != nil {
		return nil, err
	}
	return up, nil
}

// Path 返回第 iteration 次迭代的快照目录。
func (s *Snapshot) Path(iteration int64) string {
	return filepath.Join(s.opts.Dir, strings.ReplaceAll(s.opts.Filename, "{iteration}", strconv.FormatInt(iteration, 10)))
}

func (s *Snapshot) Process(ctx context.Context, up *contract.Batch, _ contract.Request, _ contract.State) (*contract.Batch, error) {
	if !sink.Due(up.Iteration, s.opts.Every) {
		return up, nil
	}
	dest := s.Path(up.Iteration)
	n, err := s.write(ctx, up, dest)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := diag.Classify(err)
		diag.IncError(s.name, string(code))
		s.logger.Warn(s.name, string(code), "snapshot failed: "+err.Error(), map[string]string{"path": dest})
		return up, nil
	}
	s.logger.Info(s.name, "snapshot written", map[string]string{
		"path":      dest,
		"iteration": strconv.FormatInt(up.Iteration, 10),
		"datasets":  strconv.Itoa(n),
	})
	return up, nil
}

type rootAttrs struct {
	Iteration int64   `json:"iteration"`
	Loss      float64 `json:"loss"`
	BatchID   int64   `json:"batch_id"`
	RunID     string  `json:"run_id,omitempty"`
}

func (s *Snapshot) write(ctx context.Context, b *contract.Batch, dest string) (int, error) {
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.MkdirTemp(s.opts.Dir, ".tmp-snapshot-*")
	if err != nil {
		return 0, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = os.RemoveAll(tmp)
		}
	}()
	// 临时目录整体替换，目录内部无需逐文件原子写
	atomic := false
	w, err := atomicfile.New(&atomicfile.Options{Root: tmp, Atomic: &atomic})
	if err != nil {
		return 0, err
	}
	if err := zarr.WriteGroup(ctx, w, ""); err != nil {
		return 0, err
	}
	attrs, _ := json.Marshal(rootAttrs{Iteration: b.Iteration, Loss: b.Loss, BatchID: b.ID, RunID: s.logger.CorrID()})
	if err := w.WriteBytes(ctx, ".zattrs", attrs); err != nil {
		return 0, err
	}
	written := 0
	for _, k := range b.Keys() {
		ds, want := s.dataset(k)
		if !want {
			continue
		}
		a, _ := b.Get(k)
		if err := zarr.WriteArray(ctx, w, ds, a, contract.Coordinate(s.opts.Chunk), s.opts.Compressor); err != nil {
			return written, fmt.Errorf("dataset %s: %w", ds, err)
		}
		written++
	}
	if err := atomicfile.ReplaceDir(tmp, dest); err != nil {
		return written, err
	}
	ok = true
	return written, nil
}

func (s *Snapshot) dataset(k *contract.ArrayKey) (string, bool) {
	if s.datasets == nil {
		return strings.ToLower(k.Name()), true
	}
	ds, ok := s.datasets[k]
	return ds, ok
}
