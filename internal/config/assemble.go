package config

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"lsdtrain/internal/diag"
	"lsdtrain/internal/pipeline"
	"lsdtrain/pkg/contract"
	"lsdtrain/pkg/registry"
)

// Validate 对最小必要边界做静态校验；阶段选项由各工厂在 Assemble 时严格校验。
func Validate(cfg Config) error {
	if cfg.MaxIterations <= 0 {
		return fmt.Errorf("%w: max_iterations must be > 0", contract.ErrConfig)
	}
	g := cfg.Geometry
	v, in, out := contract.Coordinate(g.VoxelSize), contract.Coordinate(g.InputShape), contract.Coordinate(g.OutputShape)
	if !v.Positive() {
		return fmt.Errorf("%w: voxel_size must be positive, got %v", contract.ErrConfig, v)
	}
	if !in.Positive() || !out.Positive() {
		return fmt.Errorf("%w: input_shape and output_shape must be positive, got %v/%v", contract.ErrConfig, in, out)
	}
	for a := 0; a < 3; a++ {
		if out[a] > in[a] {
			return fmt.Errorf("%w: output_shape %v exceeds input_shape %v", contract.ErrConfig, out, in)
		}
	}
	if len(cfg.Request.Input)+len(cfg.Request.Output) == 0 {
		return fmt.Errorf("%w: request is empty", contract.ErrConfig)
	}
	seen := map[string]bool{}
	for _, n := range append(cloneStrings(cfg.Request.Input), cfg.Request.Output...) {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("%w: request key cannot be empty", contract.ErrConfig)
		}
		if seen[n] {
			return fmt.Errorf("%w: request key %q listed twice", contract.ErrConfig, n)
		}
		seen[n] = true
	}
	if len(cfg.Stages) == 0 {
		return fmt.Errorf("%w: stages empty", contract.ErrConfig)
	}
	names := map[string]bool{}
	for i, s := range cfg.Stages {
		if registry.Stage[s.Type] == nil {
			return fmt.Errorf("%w: stage #%d: type %q not registered (known: %s)",
				contract.ErrConfig, i, s.Type, strings.Join(registry.Names(), ", "))
		}
		n := s.EffName()
		if names[n] {
			return fmt.Errorf("%w: duplicate stage name %q", contract.ErrConfig, n)
		}
		names[n] = true
	}
	return nil
}

// Assembly 为装配结果：通道注册表、顶层请求与已构建的流水线。
type Assembly struct {
	Keys     *contract.Keys
	Request  contract.Request
	Pipeline *pipeline.Pipeline
	// Workers: 全部预取阶段的 worker 数之和（终端提示用）。
	Workers int
}

// Assemble 按配置构造全部阶段并构建流水线。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, logger *diag.Logger, out io.Writer) (Assembly, error) {
	if err := Validate(cfg); err != nil {
		return Assembly{}, err
	}
	voxel := contract.Coordinate(cfg.Geometry.VoxelSize)
	keys := contract.NewKeys()
	env := &registry.Env{Keys: keys, Voxel: voxel, Seed: cfg.Seed, Logger: logger, Out: out}

	b := pipeline.NewBuilder(logger).Seed(cfg.Seed)
	workers := 0
	for _, sc := range cfg.Stages {
		s, err := registry.Stage[sc.Type](sc.EffName(), sc.Options, env)
		if err != nil {
			return Assembly{}, fmt.Errorf("stage %s: %w", sc.EffName(), err)
		}
		if sc.Type == "precache" {
			workers += precacheWorkers(sc.Options)
		}
		b.Add(s)
	}
	p, err := b.Build()
	if err != nil {
		return Assembly{}, err
	}
	req, err := BuildRequest(cfg, keys)
	if err != nil {
		return Assembly{}, err
	}
	if err := p.CheckRequest(req); err != nil {
		return Assembly{}, err
	}
	return Assembly{Keys: keys, Request: req, Pipeline: p, Workers: workers}, nil
}

// BuildRequest 构造顶层请求：输入通道取输入尺寸，输出通道取输出尺寸，二者同心，
// 输出区域的偏移按体素取整，保证对齐网格。
func BuildRequest(cfg Config, keys *contract.Keys) (contract.Request, error) {
	g := cfg.Geometry
	voxel := contract.Coordinate(g.VoxelSize)
	inShape, outShape := contract.Coordinate(g.InputShape), contract.Coordinate(g.OutputShape)
	input := contract.NewRegion(contract.Coordinate{}, inShape.Mul(voxel))
	margin := inShape.Sub(outShape).Div(contract.C(2, 2, 2)).Mul(voxel)
	output := contract.NewRegion(margin, outShape.Mul(voxel))

	req := contract.NewRequest(voxel)
	for _, n := range cfg.Request.Input {
		k, err := keys.Key(n)
		if err != nil {
			return contract.Request{}, err
		}
		req.Add(k, input)
	}
	for _, n := range cfg.Request.Output {
		k, err := keys.Key(n)
		if err != nil {
			return contract.Request{}, err
		}
		req.Add(k, output)
	}
	return req, nil
}

func precacheWorkers(raw json.RawMessage) int {
	var o struct {
		NumWorkers int `json:"num_workers"`
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return 0
	}
	return o.NumWorkers
}
