package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"lsdtrain/internal/diag"
	"lsdtrain/internal/pipeline"
	"lsdtrain/internal/train"
	"lsdtrain/pkg/contract"
	"lsdtrain/plugins/augment/defect"
	"lsdtrain/plugins/augment/intensity"
	"lsdtrain/plugins/augment/rotate"
	"lsdtrain/plugins/augment/simple"
	"lsdtrain/plugins/model/linear"
	"lsdtrain/plugins/sink/losscurve"
	"lsdtrain/plugins/sink/profiling"
	"lsdtrain/plugins/sink/snapshot"
	"lsdtrain/plugins/source/synthetic"
	zsrc "lsdtrain/plugins/source/zarr"
	"lsdtrain/plugins/target/affinities"
	"lsdtrain/plugins/target/balance"
	"lsdtrain/plugins/target/lsd"
	"lsdtrain/plugins/transform/growboundary"
	"lsdtrain/plugins/transform/pad"
	"lsdtrain/plugins/transform/randomlocation"
	"lsdtrain/plugins/transform/scaleshift"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return nil
}

// Env 为全部工厂共享的装配环境。
type Env struct {
	Keys   *contract.Keys
	Voxel  contract.Coordinate
	Seed   int64
	Logger *diag.Logger
	// Out: 性能报告的输出；nil 为 stderr。
	Out io.Writer
}

func (e *Env) out() io.Writer {
	if e.Out == nil {
		return os.Stderr
	}
	return e.Out
}

// NewStage 工厂签名：接收阶段名与原样 JSON Options。
type NewStage func(name string, raw json.RawMessage, env *Env) (contract.Stage, error)

// NewModel 工厂签名：接收原样 JSON Options。
type NewModel func(name string, raw json.RawMessage, env *Env) (train.Model, error)

// decode 严格解码后交给构造函数；把具体类型的返回值收窄为 contract.Stage。
func decode[O any, S contract.Stage](build func(*O) (S, error)) func(raw json.RawMessage) (contract.Stage, error) {
	return func(raw json.RawMessage) (contract.Stage, error) {
		var opts O
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		s, err := build(&opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Stage 工厂注册表（显式、零反射）。
var Stage = map[string]NewStage{
	// 数据源
	"synthetic": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *synthetic.Options) (*synthetic.Source, error) {
			return synthetic.New(name, o, env.Keys, env.Voxel)
		})(raw)
	},
	"zarr": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *zsrc.Options) (*zsrc.Source, error) {
			return zsrc.New(name, o, env.Keys, env.Voxel)
		})(raw)
	},

	// 几何与强度变换
	"pad": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *pad.Options) (*pad.Pad, error) { return pad.New(name, o, env.Keys) })(raw)
	},
	"random_location": func(name string, raw json.RawMessage, _ *Env) (contract.Stage, error) {
		return decode(func(o *randomlocation.Options) (*randomlocation.RandomLocation, error) {
			return randomlocation.New(name, o), nil
		})(raw)
	},
	"normalize": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *scaleshift.NormalizeOptions) (*scaleshift.ScaleShift, error) {
			return scaleshift.NewNormalize(name, o, env.Keys)
		})(raw)
	},
	"intensity_scale_shift": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *scaleshift.Options) (*scaleshift.ScaleShift, error) {
			return scaleshift.New(name, o, env.Keys)
		})(raw)
	},
	"grow_boundary": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *growboundary.Options) (*growboundary.GrowBoundary, error) {
			return growboundary.New(name, o, env.Keys)
		})(raw)
	},

	// 增强
	"elastic_rotate": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *rotate.Options) (*rotate.Rotate, error) { return rotate.New(name, o, env.Voxel) })(raw)
	},
	"simple_augment": func(name string, raw json.RawMessage, _ *Env) (contract.Stage, error) {
		return decode(func(o *simple.Options) (*simple.Simple, error) { return simple.New(name, o) })(raw)
	},
	"intensity_augment": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *intensity.Options) (*intensity.Intensity, error) {
			return intensity.New(name, o, env.Keys)
		})(raw)
	},
	"defect_augment": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *defect.Options) (*defect.Defect, error) { return defect.New(name, o, env.Keys) })(raw)
	},

	// 监督目标
	"lsd": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *lsd.Options) (*lsd.LSD, error) { return lsd.New(name, o, env.Keys, env.Voxel) })(raw)
	},
	"affinities": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *affinities.Options) (*affinities.Affinities, error) {
			return affinities.New(name, o, env.Keys, env.Voxel)
		})(raw)
	},
	"balance_labels": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *balance.Options) (*balance.Balance, error) { return balance.New(name, o, env.Keys) })(raw)
	},

	// 预取
	"precache": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *precacheOptions) (*pipeline.PreCache, error) {
			return pipeline.NewPreCache(pipeline.PreCacheOptions{
				Name:      name,
				CacheSize: o.CacheSize,
				Workers:   o.NumWorkers,
				Seed:      env.Seed,
				Logger:    env.Logger,
			})
		})(raw)
	},

	// 训练
	"train": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *trainOptions) (*train.Stage, error) {
			mk, ok := Model[o.Model.Type]
			if !ok {
				return nil, fmt.Errorf("%w: %s: unknown model type %q", contract.ErrConfig, name, o.Model.Type)
			}
			mn := o.Model.Name
			if mn == "" {
				mn = o.Model.Type
			}
			m, err := mk(mn, o.Model.Options, env)
			if err != nil {
				return nil, err
			}
			return train.New(name, &o.Options, env.Keys, m, env.Logger)
		})(raw)
	},

	// 周期性输出
	"snapshot": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *snapshot.Options) (*snapshot.Snapshot, error) {
			return snapshot.New(name, o, env.Keys, env.Logger)
		})(raw)
	},
	"profiling": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *profiling.Options) (*profiling.Profiling, error) {
			return profiling.New(name, o, env.out(), env.Logger), nil
		})(raw)
	},
	"loss_curve": func(name string, raw json.RawMessage, env *Env) (contract.Stage, error) {
		return decode(func(o *losscurve.Options) (*losscurve.LossCurve, error) {
			return losscurve.New(name, o, env.Logger)
		})(raw)
	},
}

// Model 工厂注册表。
var Model = map[string]NewModel{
	// linear: 逐体素线性 + sigmoid，每个输出一组头
	"linear": func(name string, raw json.RawMessage, env *Env) (train.Model, error) {
		var opts linear.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		if opts.Seed == 0 {
			opts.Seed = env.Seed
		}
		return linear.New(name, &opts, env.Voxel)
	},
}

type precacheOptions struct {
	CacheSize  int `json:"cache_size"`
	NumWorkers int `json:"num_workers"`
}

// ModelSpec 选择模型实现；Name 缺省为类型名。
type ModelSpec struct {
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options"`
}

type trainOptions struct {
	train.Options
	Model ModelSpec `json:"model"`
}

// Names 返回已注册的阶段类型（用于错误提示）。
func Names() []string {
	out := make([]string, 0, len(Stage))
	for k := range Stage {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
