package config

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lsdtrain/internal/train"
	"lsdtrain/pkg/contract"
)

// UT-CFG-01: 严格解析 JSON
func TestLoadJSON(t *testing.T) {
	raw := []byte(`{
  "seed": 7,
  "max_iterations": 10,
  "geometry": {"voxel_size": [40, 8, 8], "input_shape": [40, 196, 196], "output_shape": [20, 104, 104]},
  "request": {"input": ["RAW"], "output": ["GT_AFFS"]},
  "stages": [{"type": "synthetic", "options": {"shape": [400, 800, 800]}}]
}`)
	cfg, err := LoadJSON("", raw)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Seed != 7 || cfg.MaxIterations != 10 || cfg.Geometry.VoxelSize != [3]int64{40, 8, 8} {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if len(cfg.Stages) != 1 || cfg.Stages[0].EffName() != "synthetic" {
		t.Fatalf("阶段解析错误: %+v", cfg.Stages)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// UT-CFG-02: 含非法字段
func TestLoadJSONUnknown(t *testing.T) {
	_, err := LoadJSON("", []byte(`{"unknown":1}`))
	if !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("应当返回 ErrConfig: %v", err)
	}
	if _, err := LoadJSON("", nil); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("无输入应当返回 ErrConfig: %v", err)
	}
}

// UT-CFG-03: YAML 与 JSON 等价，未知字段同样拒绝
func TestLoadYAML(t *testing.T) {
	raw := []byte(`
seed: 3
max_iterations: 5
geometry:
  voxel_size: [1, 1, 1]
  input_shape: [4, 8, 8]
  output_shape: [2, 4, 4]
request:
  input: [RAW]
stages:
  - type: synthetic
    name: source
    options:
      shape: [16, 16, 16]
`)
	cfg, err := LoadYAML("", raw)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Seed != 3 || cfg.Geometry.InputShape != [3]int64{4, 8, 8} || cfg.Stages[0].Name != "source" {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	var opts map[string]any
	if err := json.Unmarshal(cfg.Stages[0].Options, &opts); err != nil || opts["shape"] == nil {
		t.Fatalf("阶段选项丢失: %s %v", cfg.Stages[0].Options, err)
	}
	if _, err := LoadYAML("", []byte("seed: 1\nbogus: true\n")); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("YAML 未知字段应报 ErrConfig: %v", err)
	}
	if _, err := LoadYAML("", []byte("seed: [")); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("YAML 语法错误应报 ErrConfig: %v", err)
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	y := filepath.Join(dir, "c.yml")
	if err := os.WriteFile(y, []byte("seed: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	j := filepath.Join(dir, "c.json")
	if err := os.WriteFile(j, []byte(`{"seed": 11}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg, err := Load(y); err != nil || cfg.Seed != 9 {
		t.Fatalf("yml: %v %+v", err, cfg)
	}
	if cfg, err := Load(j); err != nil || cfg.Seed != 11 {
		t.Fatalf("json: %v %+v", err, cfg)
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("缺失文件应失败")
	}
}

// UT-CFG-04: ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"LSD_TRAIN_SEED=42",
		"LSD_TRAIN_MAX_ITERATIONS=100",
		"LSD_TRAIN_LOG_LEVEL=debug",
		"LSD_TRAIN_VOXEL_SIZE=40, 4, 4",
		`LSD_TRAIN_STAGE__snapshot__OPTIONS_JSON={"every":10}`,
		"LSD_TRAIN_STAGE__empty__OPTIONS_JSON=",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.Seed != 42 || over.MaxIterations != 100 || over.Logging.Level != "debug" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.Geometry.VoxelSize != [3]int64{40, 4, 4} {
		t.Fatalf("体素大小错误: %v", over.Geometry.VoxelSize)
	}
	if len(over.Stages) != 1 || over.Stages[0].Name != "snapshot" || over.Stages[0].Type != "" {
		t.Fatalf("阶段覆盖错误: %+v", over.Stages)
	}
	if _, err := EnvOverlay([]string{"LSD_TRAIN_INPUT_SHAPE=1,2"}); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("非法三元组应报 ErrConfig: %v", err)
	}
	if _, err := EnvOverlay([]string{"LSD_TRAIN_STAGE__x__OPTIONS_JSON={"}); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("非法 JSON 应报 ErrConfig: %v", err)
	}
}

func TestMerge(t *testing.T) {
	base := DefaultTemplateConfig()
	over := Config{
		Seed:     5,
		Geometry: Geometry{InputShape: [3]int64{20, 100, 100}},
		Stages:   []Stage{{Name: "snapshot", Options: json.RawMessage(`{"every":1}`)}},
	}
	got := Merge(base, over)
	if got.Seed != 5 || got.Geometry.InputShape != [3]int64{20, 100, 100} {
		t.Fatalf("标量覆盖错误: %+v", got.Geometry)
	}
	if got.Geometry.OutputShape != base.Geometry.OutputShape || got.MaxIterations != base.MaxIterations {
		t.Fatal("零值不应覆盖")
	}
	if len(got.Stages) != len(base.Stages) {
		t.Fatalf("补丁不应改变阶段数: %d", len(got.Stages))
	}
	for i, s := range got.Stages {
		if s.EffName() == "snapshot" {
			if string(s.Options) != `{"every":1}` {
				t.Fatalf("snapshot 选项未替换: %s", s.Options)
			}
			if string(base.Stages[i].Options) == `{"every":1}` {
				t.Fatal("Merge 修改了 base")
			}
		}
	}

	replaced := Merge(base, Config{Stages: []Stage{{Type: "synthetic", Options: json.RawMessage(`{}`)}}})
	if len(replaced.Stages) != 1 {
		t.Fatalf("带类型的阶段应整体替换: %d", len(replaced.Stages))
	}
}

func TestValidateErrors(t *testing.T) {
	if err := Validate(Config{}); !errors.Is(err, contract.ErrConfig) {
		t.Fatal("空配置应失败")
	}
	mutate := map[string]func(*Config){
		"体素非正":    func(c *Config) { c.Geometry.VoxelSize = [3]int64{0, 8, 8} },
		"输出大于输入":  func(c *Config) { c.Geometry.OutputShape = [3]int64{80, 104, 104} },
		"空请求":     func(c *Config) { c.Request = Request{} },
		"请求重复":    func(c *Config) { c.Request.Input = append(c.Request.Input, c.Request.Output[0]) },
		"未注册类型":   func(c *Config) { c.Stages[0].Type = "unet" },
		"阶段名重复":   func(c *Config) { c.Stages[1].Name = c.Stages[0].Name },
		"迭代次数非正":  func(c *Config) { c.MaxIterations = 0 },
		"无阶段":     func(c *Config) { c.Stages = nil },
		"请求通道名为空": func(c *Config) { c.Request.Output[0] = " " },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultTemplateConfig()
			fn(&cfg)
			if err := Validate(cfg); !errors.Is(err, contract.ErrConfig) {
				t.Fatalf("应失败: %v", err)
			}
		})
	}
}

// 模板本身可装配：全部阶段构造成功、请求被流水线覆盖。
func TestTemplateAssembles(t *testing.T) {
	cfg := DefaultTemplateConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("模板校验失败: %v", err)
	}
	a, err := Assemble(cfg, nil, io.Discard)
	if err != nil {
		t.Fatalf("模板装配失败: %v", err)
	}
	if a.Request.Len() != 11 {
		t.Fatalf("请求通道数 %d", a.Request.Len())
	}
	if a.Workers != 24 {
		t.Fatalf("worker 数 %d", a.Workers)
	}
	raw, _ := a.Request.Get(a.Keys.MustKey(keyRaw))
	affs, _ := a.Request.Get(a.Keys.MustKey(keyGTAffs))
	if raw.Shape != contract.C(1600, 1568, 1568) || affs.Shape != contract.C(800, 832, 832) {
		t.Fatalf("请求尺寸错误: %v %v", raw, affs)
	}
	if affs.Offset != contract.C(400, 368, 368) {
		t.Fatalf("输出区域未居中: %v", affs)
	}

	var pad struct {
		Size [3]int64 `json:"size"`
	}
	for _, s := range cfg.Stages {
		if s.Name == "pad_labels" {
			if err := json.Unmarshal(s.Options, &pad); err != nil {
				t.Fatal(err)
			}
		}
	}
	if pad.Size != [3]int64{640, 832, 832} {
		t.Fatalf("标签填充量 %v", pad.Size)
	}
}

func TestTemplateYAMLRoundTrip(t *testing.T) {
	cfg := DefaultTemplateConfig()
	b, err := TemplateYAML(cfg)
	if err != nil {
		t.Fatalf("生成 YAML 失败: %v", err)
	}
	if !strings.Contains(string(b), "max_iterations:") {
		t.Fatalf("YAML 内容异常:\n%s", b)
	}
	back, err := LoadYAML("", b)
	if err != nil {
		t.Fatalf("YAML 回读失败: %v", err)
	}
	if back.Geometry != cfg.Geometry || len(back.Stages) != len(cfg.Stages) {
		t.Fatalf("回读不一致: %+v", back.Geometry)
	}
	if err := Validate(back); err != nil {
		t.Fatalf("回读后校验失败: %v", err)
	}
}

// 小尺寸合成数据上的端到端训练：检查点、快照与损失曲线按周期写出。
func TestEndToEndTraining(t *testing.T) {
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "ckpt")
	snap := filepath.Join(dir, "snap")
	plots := filepath.Join(dir, "plots")

	cfg := Config{
		Seed:          3,
		MaxIterations: 4,
		Geometry:      Geometry{VoxelSize: [3]int64{1, 1, 1}, InputShape: [3]int64{4, 16, 16}, OutputShape: [3]int64{2, 8, 8}},
		Request: Request{
			Input:  []string{"RAW"},
			Output: []string{"GT_LSDS", "LSDS_WEIGHTS", "GT_AFFS", "AFFS_WEIGHTS", "PRED_AFFS", "PRED_LSDS"},
		},
		Stages: []Stage{
			{Name: "source", Type: "synthetic", Options: json.RawMessage(`{"shape":[16,64,64],"cell_size":[4,8,8],"membrane":1,"seed":5}`)},
			{Type: "random_location"},
			{Type: "simple_augment"},
			{Type: "lsd", Options: json.RawMessage(`{"mask":"LSDS_WEIGHTS","labels_mask":"LABELS_MASK","unlabeled":"UNLABELED","sigma":2,"downsample":1}`)},
			{Type: "grow_boundary", Options: json.RawMessage(`{"labels":"GT_LABELS"}`)},
			{Type: "affinities", Options: json.RawMessage(`{"labels_mask":"LABELS_MASK","unlabeled":"UNLABELED","affinities_mask":"AFFS_MASK"}`)},
			{Type: "balance_labels", Options: json.RawMessage(`{"mask":"AFFS_MASK"}`)},
			{Name: "scale_shift_in", Type: "intensity_scale_shift", Options: json.RawMessage(`{"key":"RAW","scale":2,"shift":-1}`)},
			{Type: "precache", Options: json.RawMessage(`{"cache_size":3,"num_workers":2}`)},
			{Type: "train", Options: json.RawMessage(`{
				"model": {"type": "linear"},
				"inputs": {"raw": "RAW"},
				"outputs": {"affs": "PRED_AFFS", "lsds": "PRED_LSDS"},
				"loss_inputs": [
					{"output": "lsds", "target": "GT_LSDS", "weights": "LSDS_WEIGHTS"},
					{"output": "affs", "target": "GT_AFFS", "weights": "AFFS_WEIGHTS"}
				],
				"learning_rate": 0.001,
				"save_every": 2,
				"checkpoint_dir": ` + quote(ckpt) + `
			}`)},
			{Name: "scale_shift_out", Type: "intensity_scale_shift", Options: json.RawMessage(`{"key":"RAW","scale":0.5,"shift":0.5}`)},
			{Type: "snapshot", Options: json.RawMessage(`{"every":2,"dir":` + quote(snap) + `}`)},
			{Type: "profiling", Options: json.RawMessage(`{"every":2}`)},
			{Type: "loss_curve", Options: json.RawMessage(`{"every":2,"dir":` + quote(plots) + `}`)},
		},
	}
	a, err := Assemble(cfg, nil, io.Discard)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	sum, err := train.Run(context.Background(), a.Pipeline, a.Request, train.RunOptions{MaxIterations: cfg.MaxIterations})
	if err != nil {
		t.Fatalf("训练失败: %v", err)
	}
	if sum.Batches != 4 || sum.LastIteration != 4 {
		t.Fatalf("运行摘要错误: %+v", sum)
	}
	for _, p := range []string{
		filepath.Join(ckpt, train.CheckpointName("model_checkpoint", 2)),
		filepath.Join(ckpt, train.CheckpointName("model_checkpoint", 4)),
		filepath.Join(snap, "batch_2.zarr", ".zgroup"),
		filepath.Join(snap, "batch_4.zarr", "pred_affs", ".zarray"),
		filepath.Join(plots, "loss.png"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("缺少输出 %s: %v", p, err)
		}
	}

	// 再次装配：从第 4 次迭代的检查点恢复，已达上限即结束
	a2, err := Assemble(cfg, nil, io.Discard)
	if err != nil {
		t.Fatalf("二次装配失败: %v", err)
	}
	sum2, err := train.Run(context.Background(), a2.Pipeline, a2.Request, train.RunOptions{MaxIterations: 5})
	if err != nil {
		t.Fatalf("恢复训练失败: %v", err)
	}
	if sum2.LastIteration != 5 || sum2.Batches != 1 {
		t.Fatalf("恢复后摘要错误: %+v", sum2)
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
