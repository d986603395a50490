package registry

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	"lsdtrain/internal/pipeline"
	"lsdtrain/internal/train"
	"lsdtrain/pkg/contract"
)

func testEnv() *Env {
	return &Env{Keys: contract.NewKeys(), Voxel: contract.C(40, 8, 8), Seed: 1, Out: io.Discard}
}

// TestStrictUnmarshal 验证严格解码逻辑。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	if err := strictUnmarshal(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1}`), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 JSON 解析失败: %v", err)
	}
	err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o)
	if !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("未知字段应报 ErrConfig，得到 %v", err)
	}
}

// TestFactories 遍历注册表入口：最小选项可构造，未知字段被拒绝。
func TestFactories(t *testing.T) {
	minimal := map[string]string{
		"synthetic":             `{"shape":[400,800,800]}`,
		"pad":                   `{"key":"RAW"}`,
		"random_location":       `{}`,
		"normalize":             `{"key":"RAW"}`,
		"intensity_scale_shift": `{"key":"RAW","scale":2,"shift":-1}`,
		"grow_boundary":         `{"labels":"GT_LABELS"}`,
		"elastic_rotate":        `{}`,
		"simple_augment":        `{}`,
		"intensity_augment":     `{"key":"RAW","scale_min":0.9,"scale_max":1.1,"shift_min":-0.1,"shift_max":0.1}`,
		"defect_augment":        `{"key":"RAW","prob_missing":0.03}`,
		"lsd":                   `{"sigma":80}`,
		"affinities":            `{}`,
		"balance_labels":        `{}`,
		"precache":              `{"cache_size":4,"num_workers":2}`,
		"snapshot":              `{"every":10}`,
		"profiling":             `{"every":10}`,
		"loss_curve":            `{"every":10}`,
		"train": `{"model":{"type":"linear"},
			"inputs":{"raw":"RAW"},
			"outputs":{"affs":"PRED_AFFS","lsds":"PRED_LSDS"},
			"loss_inputs":[{"output":"affs","target":"GT_AFFS","weights":"AFFS_WEIGHTS"}],
			"learning_rate":0.0001}`,
	}
	for kind, raw := range minimal {
		t.Run(kind, func(t *testing.T) {
			mk, ok := Stage[kind]
			if !ok {
				t.Fatalf("%s 未注册", kind)
			}
			s, err := mk("s", json.RawMessage(raw), testEnv())
			if err != nil {
				t.Fatalf("%s: %v", kind, err)
			}
			if s.Name() != "s" {
				t.Fatalf("%s: 名称 %q", kind, s.Name())
			}
			var bad map[string]any
			if err := json.Unmarshal([]byte(raw), &bad); err != nil {
				t.Fatalf("测试数据非法: %v", err)
			}
			bad["unknown_field"] = 1
			b, _ := json.Marshal(bad)
			if _, err := mk("s", b, testEnv()); !errors.Is(err, contract.ErrConfig) {
				t.Fatalf("%s 未对未知字段报 ErrConfig: %v", kind, err)
			}
		})
	}
	for _, kind := range Names() {
		if _, ok := minimal[kind]; !ok && kind != "zarr" {
			t.Fatalf("%s 缺少测试选项", kind)
		}
	}
}

func TestPreCacheIsBoundary(t *testing.T) {
	s, err := Stage["precache"]("cache", json.RawMessage(`{"cache_size":2,"num_workers":1}`), testEnv())
	if err != nil {
		t.Fatalf("precache: %v", err)
	}
	if _, ok := s.(*pipeline.PreCache); !ok {
		t.Fatalf("precache 类型 %T", s)
	}
	if _, err := Stage["precache"]("cache", json.RawMessage(`{"cache_size":0,"num_workers":1}`), testEnv()); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("cache_size=0 应报 ErrConfig: %v", err)
	}
}

func TestTrainModel(t *testing.T) {
	raw := json.RawMessage(`{"model":{"type":"linear","options":{"outputs":{"affs":3}}},
		"inputs":{"raw":"RAW"},"outputs":{"affs":"PRED_AFFS"},
		"loss_inputs":[{"output":"affs","target":"GT_AFFS"}]}`)
	s, err := Stage["train"]("train", raw, testEnv())
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if _, ok := s.(*train.Stage); !ok {
		t.Fatalf("train 类型 %T", s)
	}

	cases := map[string]string{
		"未知模型": `{"model":{"type":"unet"},"inputs":{"raw":"RAW"},"loss_inputs":[{"output":"affs","target":"GT_AFFS"}]}`,
		"模型未知字段": `{"model":{"type":"linear","options":{"depth":3}},"inputs":{"raw":"RAW"},
			"loss_inputs":[{"output":"affs","target":"GT_AFFS"}]}`,
		"缺少输入绑定": `{"model":{"type":"linear"},"loss_inputs":[{"output":"affs","target":"GT_AFFS"}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Stage["train"]("train", json.RawMessage(raw), testEnv()); !errors.Is(err, contract.ErrConfig) {
				t.Fatalf("应报 ErrConfig: %v", err)
			}
		})
	}
}

func TestZarrSourceNeedsContainer(t *testing.T) {
	if _, err := Stage["zarr"]("zarr", json.RawMessage(`{}`), testEnv()); !errors.Is(err, contract.ErrConfig) {
		t.Fatalf("缺少 container 应报 ErrConfig: %v", err)
	}
}
