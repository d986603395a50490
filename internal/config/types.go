package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Seed: 驱动线程与预取 worker 的随机种子。
	Seed int64 `json:"seed"`
	// MaxIterations: 请求批的次数（>0）；从检查点恢复时按模型迭代号提前结束。
	MaxIterations int64    `json:"max_iterations"`
	Geometry      Geometry `json:"geometry"`
	Request       Request  `json:"request"`
	Logging       Logging  `json:"logging"`

	// Stages: 头→尾的阶段列表，Options 原样 JSON 传入工厂。
	Stages []Stage `json:"stages"`
}

// Geometry: 体素大小与网络输入/输出形状（体素数，z/y/x）。
type Geometry struct {
	VoxelSize   [3]int64 `json:"voxel_size"`
	InputShape  [3]int64 `json:"input_shape"`
	OutputShape [3]int64 `json:"output_shape"`
}

// Request: 顶层请求的通道；Input 按输入尺寸请求，Output 按输出尺寸请求，两者同心。
type Request struct {
	Input  []string `json:"input"`
	Output []string `json:"output"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Stage: 一个阶段实例。Name 缺省为 Type，须在流水线内唯一。
type Stage struct {
	Name    string          `json:"name,omitempty"`
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

// EffName 返回阶段的有效名称。
func (s Stage) EffName() string {
	if s.Name == "" {
		return s.Type
	}
	return s.Name
}
