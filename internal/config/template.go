package config

import (
	"encoding/json"
	"math"

	"gopkg.in/yaml.v3"

	"lsdtrain/internal/train"
	"lsdtrain/pkg/contract"
	"lsdtrain/pkg/registry"
	"lsdtrain/plugins/augment/defect"
	"lsdtrain/plugins/augment/intensity"
	"lsdtrain/plugins/augment/rotate"
	"lsdtrain/plugins/augment/simple"
	"lsdtrain/plugins/model/linear"
	"lsdtrain/plugins/sink/losscurve"
	"lsdtrain/plugins/sink/profiling"
	"lsdtrain/plugins/sink/snapshot"
	"lsdtrain/plugins/source/synthetic"
	"lsdtrain/plugins/target/affinities"
	"lsdtrain/plugins/target/balance"
	"lsdtrain/plugins/target/lsd"
	"lsdtrain/plugins/transform/growboundary"
	"lsdtrain/plugins/transform/pad"
	"lsdtrain/plugins/transform/scaleshift"
)

// 模板使用的通道名。
const (
	keyRaw        = "RAW"
	keyLabels     = "GT_LABELS"
	keyLabelsMask = "LABELS_MASK"
	keyUnlabeled  = "UNLABELED"
	keyGTLSDs     = "GT_LSDS"
	keyLSDWeights = "LSDS_WEIGHTS"
	keyPredLSDs   = "PRED_LSDS"
	keyGTAffs     = "GT_AFFS"
	keyAffsMask   = "AFFS_MASK"
	keyAffsWeight = "AFFS_WEIGHTS"
	keyPredAffs   = "PRED_AFFS"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板（多任务 LSD + 亲和度）：
// - 输入 (40,196,196)、输出 (20,104,104) 体素，体素大小 (40,8,8)，sigma 80；
// - 数据源为合成体积（离线可跑），替换为 zarr 源即可接入真实数据；
// - 标签填充量由 ContextPadding 按输出尺寸与 sigma 计算；
// - 选项包含各阶段的全部键（值为默认）。
func DefaultTemplateConfig() Config {
	voxel := contract.C(40, 8, 8)
	inShape := [3]int64{40, 196, 196}
	outShape := [3]int64{20, 104, 104}
	const sigma = 80.0

	labelsPad, err := contract.ContextPadding(contract.Coordinate(outShape).Mul(voxel), voxel, contract.PaddingOptions{Sigma: sigma})
	if err != nil {
		// 常量输入，不会失败
		panic(err)
	}
	lp := [3]int64(labelsPad)
	yes := true
	neighborhood := [][3]int64{{-1, 0, 0}, {0, -1, 0}, {0, 0, -1}}

	cfg := Defaults()
	cfg.MaxIterations = 400000
	cfg.Geometry = Geometry{VoxelSize: [3]int64(voxel), InputShape: inShape, OutputShape: outShape}
	cfg.Request = Request{
		Input:  []string{keyRaw},
		Output: []string{
			keyLabels, keyLabelsMask, keyUnlabeled,
			keyGTLSDs, keyPredLSDs, keyLSDWeights,
			keyGTAffs, keyAffsWeight, keyAffsMask, keyPredAffs,
		},
	}
	cfg.Stages = []Stage{
		stage("source", "synthetic", synthetic.Options{
			Raw: keyRaw, Labels: keyLabels, LabelsMask: keyLabelsMask, Unlabeled: keyUnlabeled,
			Shape:             [3]int64{8000, 8000, 8000},
			CellSize:          [3]int64{200, 160, 160},
			Membrane:          16,
			UnlabeledFraction: 0.1,
			Noise:             0.05,
			Seed:              1,
		}),
		stage("pad_raw", "pad", pad.Options{Key: keyRaw}),
		stage("pad_labels", "pad", pad.Options{Key: keyLabels, Size: &lp}),
		stage("pad_labels_mask", "pad", pad.Options{Key: keyLabelsMask, Size: &lp}),
		stage("pad_unlabeled", "pad", pad.Options{Key: keyUnlabeled, Size: &lp}),
		stage("random_location", "random_location", struct{}{}),
		stage("rotate", "elastic_rotate", rotate.Options{
			RotationInterval: &[2]float64{0, math.Pi / 2},
			ProbSlip:         0.05,
			ProbShift:        0.05,
			MaxMisalign:      14,
		}),
		stage("simple_augment", "simple_augment", simple.Options{TransposeOnly: []int{1, 2}}),
		stage("intensity_augment", "intensity_augment", intensity.Options{
			Key: keyRaw, ScaleMin: 0.9, ScaleMax: 1.1, ShiftMin: -0.1, ShiftMax: 0.1, ZSectionWise: true, Clip: &yes,
		}),
		stage("lsd", "lsd", lsd.Options{
			Labels: keyLabels, Descriptor: keyGTLSDs, Mask: keyLSDWeights,
			LabelsMask: keyLabelsMask, Unlabeled: keyUnlabeled,
			Sigma: sigma, Truncate: contract.DefaultTruncate, Downsample: 2,
		}),
		stage("grow_boundary", "grow_boundary", growboundary.Options{Labels: keyLabels, Steps: 1, OnlyXY: &yes}),
		stage("affinities", "affinities", affinities.Options{
			Neighborhood:   neighborhood,
			Labels:         keyLabels,
			Affinities:     keyGTAffs,
			LabelsMask:     keyLabelsMask,
			Unlabeled:      keyUnlabeled,
			AffinitiesMask: keyAffsMask,
		}),
		stage("balance_labels", "balance_labels", balance.Options{
			Labels: keyGTAffs, Scales: keyAffsWeight, Mask: keyAffsMask, ClipMin: 0.05, ClipMax: 0.95,
		}),
		stage("defect_augment", "defect_augment", defect.Options{Key: keyRaw, ProbMissing: 0.005, MaxConsecutiveMissing: 3}),
		stage("scale_shift_in", "intensity_scale_shift", scaleshift.Options{Key: keyRaw, Scale: 2, Shift: -1}),
		stage("precache", "precache", map[string]int{"cache_size": 40, "num_workers": 24}),
		stage("train", "train", struct {
			Model registry.ModelSpec `json:"model"`
			train.Options
		}{
			Model: registry.ModelSpec{
				Type:    "linear",
				Options: mustJSON(linear.Options{Input: "raw", Outputs: map[string]int{"affs": 3, "lsds": 6}, InitScale: 0.1}),
			},
			Options: train.Options{
				Inputs:     map[string]string{"raw": keyRaw},
				Outputs:    map[string]string{"affs": keyPredAffs, "lsds": keyPredLSDs},
				LossInputs: []train.LossInput{
					{Output: "lsds", Target: keyGTLSDs, Weights: keyLSDWeights},
					{Output: "affs", Target: keyGTAffs, Weights: keyAffsWeight},
				},
				AdamOptions:        train.AdamOptions{LearningRate: 0.5e-4, Beta1: 0.95, Beta2: 0.999, Epsilon: 1e-8},
				SaveEvery:          5000,
				CheckpointDir:      "checkpoints",
				CheckpointBasename: "model_checkpoint",
				Resume:             &yes,
			},
		}),
		stage("scale_shift_out", "intensity_scale_shift", scaleshift.Options{Key: keyRaw, Scale: 0.5, Shift: 0.5}),
		stage("snapshot", "snapshot", snapshot.Options{
			Every:    500,
			Dir:      "snapshots",
			Filename: "batch_{iteration}.zarr",
			Datasets: map[string]string{
				keyRaw: "raw", keyLabels: "labels", keyLabelsMask: "labels_mask", keyUnlabeled: "unlabeled_mask",
				keyGTLSDs: "gt_lsds", keyPredLSDs: "pred_lsds", keyLSDWeights: "lsds_weights",
				keyGTAffs: "gt_affs", keyAffsWeight: "affs_weights", keyPredAffs: "pred_affs",
			},
			Compressor: "zstd",
		}),
		stage("profiling", "profiling", profiling.Options{Every: 100, Reset: &yes}),
		stage("loss_curve", "loss_curve", losscurve.Options{Every: 100, Dir: "plots", Filename: "loss.png", Window: 50}),
	}
	return cfg
}

// TemplateYAML 以 YAML 形式输出模板（键按字母序）。
func TemplateYAML(cfg Config) ([]byte, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(b, &tree); err != nil {
		return nil, err
	}
	return yaml.Marshal(tree)
}

func stage(name, typ string, opts any) Stage {
	return Stage{Name: name, Type: typ, Options: mustJSON(opts)}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
