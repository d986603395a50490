package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"lsdtrain/pkg/contract"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：阶段列表与几何不设默认（必须由文件提供，或使用 --init-config 模板）。
func Defaults() Config {
	return Config{
		Seed:          1,
		MaxIterations: 1,
		Logging:       Logging{Level: "info"},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	r, closeFn, err := open(path, raw)
	if err != nil {
		return cfg, err
	}
	defer closeFn()
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return cfg, nil
}

// LoadYAML 解析 YAML 配置：先解成通用树，转为 JSON 后走与 LoadJSON 相同的严格解码，
// 两种格式的字段名与校验完全一致。
func LoadYAML(path string, raw []byte) (Config, error) {
	r, closeFn, err := open(path, raw)
	if err != nil {
		return Config{}, err
	}
	defer closeFn()
	var tree any
	if err := yaml.NewDecoder(r).Decode(&tree); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("%w: empty yaml document", contract.ErrConfig)
		}
		return Config{}, fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return Config{}, fmt.Errorf("%w: yaml to json: %v", contract.ErrConfig, err)
	}
	return LoadJSON("", b)
}

// Load 按扩展名选择解析器（.yaml/.yml 走 YAML，其余 JSON）。
func Load(path string) (Config, error) {
	lp := strings.ToLower(path)
	if strings.HasSuffix(lp, ".yaml") || strings.HasSuffix(lp, ".yml") {
		return LoadYAML(path, nil)
	}
	return LoadJSON(path, nil)
}

func open(path string, raw []byte) (io.Reader, func(), error) {
	switch {
	case len(raw) > 0:
		return bytes.NewReader(raw), func() {}, nil
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: no config source provided", contract.ErrConfig)
	}
}

// Merge 按优先级合并（后者覆盖前者）。
// 标量为“非零即替换”；over.Stages 全部没有 Type 时按名称替换对应阶段的 Options，
// 否则整体替换阶段列表。
func Merge(base, over Config) Config {
	out := base
	out.Stages = cloneStages(base.Stages)
	out.Request = Request{Input: cloneStrings(base.Request.Input), Output: cloneStrings(base.Request.Output)}

	if over.Seed != 0 {
		out.Seed = over.Seed
	}
	if over.MaxIterations != 0 {
		out.MaxIterations = over.MaxIterations
	}
	if over.Geometry.VoxelSize != ([3]int64{}) {
		out.Geometry.VoxelSize = over.Geometry.VoxelSize
	}
	if over.Geometry.InputShape != ([3]int64{}) {
		out.Geometry.InputShape = over.Geometry.InputShape
	}
	if over.Geometry.OutputShape != ([3]int64{}) {
		out.Geometry.OutputShape = over.Geometry.OutputShape
	}
	if len(over.Request.Input) > 0 {
		out.Request.Input = cloneStrings(over.Request.Input)
	}
	if len(over.Request.Output) > 0 {
		out.Request.Output = cloneStrings(over.Request.Output)
	}
	// Logging（仅 level）
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}

	if len(over.Stages) == 0 {
		return out
	}
	patch := true
	for _, s := range over.Stages {
		if s.Type != "" {
			patch = false
			break
		}
	}
	if !patch {
		out.Stages = cloneStages(over.Stages)
		return out
	}
	for _, p := range over.Stages {
		for i := range out.Stages {
			if out.Stages[i].EffName() == p.Name && len(p.Options) > 0 {
				out.Stages[i].Options = cloneRaw(p.Options)
			}
		}
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LSD_TRAIN_；集合之外的键忽略。
// 支持：SEED, MAX_ITERATIONS, LOG_LEVEL, VOXEL_SIZE, INPUT_SHAPE, OUTPUT_SHAPE（"z,y,x"），
// 以及 STAGE__<name>__OPTIONS_JSON（整体替换该阶段的 Options）。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(envPrefix) {
			continue
		}
		key := strings.TrimPrefix(kv[:eq], envPrefix)
		val := kv[eq+1:]
		switch key {
		case "SEED":
			if v, err := atoi64(val); err == nil {
				over.Seed = v
			}
		case "MAX_ITERATIONS":
			if v, err := atoi64(val); err == nil {
				over.MaxIterations = v
			}
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "VOXEL_SIZE", "INPUT_SHAPE", "OUTPUT_SHAPE":
			c, err := ParseTriple(val)
			if err != nil {
				return Config{}, fmt.Errorf("%s%s: %w", envPrefix, key, err)
			}
			switch key {
			case "VOXEL_SIZE":
				over.Geometry.VoxelSize = c
			case "INPUT_SHAPE":
				over.Geometry.InputShape = c
			default:
				over.Geometry.OutputShape = c
			}
		default:
			// 阶段选项：STAGE__name__OPTIONS_JSON
			if !strings.HasPrefix(key, "STAGE__") {
				continue
			}
			parts := strings.Split(key, "__")
			if len(parts) != 3 || parts[2] != "OPTIONS_JSON" || strings.TrimSpace(parts[1]) == "" {
				continue
			}
			// 空值视为未设置，避免清空配置文件中的选项
			if strings.TrimSpace(val) == "" {
				continue
			}
			if !json.Valid([]byte(val)) {
				return Config{}, fmt.Errorf("%w: %s: invalid json", contract.ErrConfig, kv[:eq])
			}
			over.Stages = append(over.Stages, Stage{Name: strings.TrimSpace(parts[1]), Options: json.RawMessage(val)})
		}
	}
	return over, nil
}

const envPrefix = "LSD_TRAIN_"

// ParseTriple 解析 "z,y,x" 形式的三元组。
func ParseTriple(s string) ([3]int64, error) {
	parts := splitComma(s)
	if len(parts) != 3 {
		return [3]int64{}, fmt.Errorf("%w: want z,y,x, got %q", contract.ErrConfig, s)
	}
	var out [3]int64
	for i, p := range parts {
		v, err := atoi64(p)
		if err != nil {
			return [3]int64{}, fmt.Errorf("%w: %q is not an integer", contract.ErrConfig, p)
		}
		out[i] = v
	}
	return out, nil
}

func cloneStages(in []Stage) []Stage {
	if len(in) == 0 {
		return nil
	}
	out := make([]Stage, len(in))
	for i, s := range in {
		out[i] = Stage{Name: s.Name, Type: s.Type, Options: cloneRaw(s.Options)}
	}
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
