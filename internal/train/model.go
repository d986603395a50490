package train

import (
	"context"

	"lsdtrain/pkg/contract"
)

// Model: 可训练的逐体素预测模型。
// Params 返回参数向量本身（非副本），优化器原地更新。
type Model interface {
	Name() string
	// Inputs 返回模型输入名（与 Options.Inputs 的键对应）。
	Inputs() []string
	// Outputs 返回输出名 → 通道数。
	Outputs() map[string]int
	// Context 返回每个输出体素在输入上所需的对称上下文（物理单位）。
	Context() contract.Coordinate
	Params() []float64
	// Forward 在 region 上计算所有输出；inputs 至少覆盖 region.GrowSym(Context())。
	Forward(ctx context.Context, inputs map[string]*contract.Array, region contract.Region) (Pass, error)
}

// Pass 为一次前向的结果，保留反向所需的中间量。
type Pass interface {
	Outputs() map[string]*contract.Array
	// Backward 由 dLoss/dOutput（按输出名，长度等于输出数组数据长度）求 dLoss/dParams。
	Backward(grads map[string][]float32) ([]float64, error)
}
