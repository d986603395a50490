package contract

import (
	"context"
	"fmt"
	"math/rand"
)

// ArraySpec: 阶段声明的通道元信息。
type ArraySpec struct {
	// Region: 可提供的范围（数据源范围；派生通道沿用其输入的范围）。
	Region         Region
	VoxelSize      Coordinate
	Channels       int
	Interpolatable bool
}

// Spec: 构建期沿流水线向下传递的“可提供通道”表。
type Spec map[*ArrayKey]ArraySpec

func (s Spec) Clone() Spec {
	out := make(Spec, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys 按名称排序返回。
func (s Spec) Keys() []*ArrayKey {
	out := make([]*ArrayKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// RequireKeys 校验上游已提供 keys；缺失返回 ErrConfig（构建期失败）。
func RequireKeys(stage string, up Spec, keys ...*ArrayKey) error {
	for _, k := range keys {
		if k == nil {
			return fmt.Errorf("%w: %s: nil array key", ErrConfig, stage)
		}
		if _, ok := up[k]; !ok {
			return fmt.Errorf("%w: %s: requires %s, not provided upstream", ErrConfig, stage, k)
		}
	}
	return nil
}

// State: Prepare 为单次请求抽取的参数，原样交给同一请求的 Process。
// 随机阶段只在 Prepare 中抽样一次；阶段实例在 Setup 之后只读，可被多个 worker 共享。
type State any

// Stage: 流水线阶段。
// - Setup：构建期调用一次，接收上游 Spec，返回本阶段之后的 Spec；
// - Prepare：由尾到头调用，将下游请求翻译为上游请求（只能在 Clone 上修改）；
// - Process：由头到尾调用，up 满足 Prepare 返回的上游请求，返回至少覆盖 down 的批。
// 源阶段的 up 为 nil。
type Stage interface {
	Name() string
	Setup(up Spec) (Spec, error)
	Prepare(ctx context.Context, down Request, rng *rand.Rand) (Request, State, error)
	Process(ctx context.Context, up *Batch, down Request, st State) (*Batch, error)
}

// Displacer: 随机几何阶段声明的最坏位移上界（物理单位，对称）。
type Displacer interface {
	MaxDisplacement() Coordinate
}

// Lifecycle: 持有作用域资源的阶段（worker、文件句柄等）。
// Open 在训练开始前按头到尾顺序调用；Close 在所有退出路径上按逆序调用。
type Lifecycle interface {
	Open(ctx context.Context) error
	Close() error
}

// Provider: 可独立履行请求的一段流水线。
type Provider interface {
	Request(ctx context.Context, req Request, rng *rand.Rand) (*Batch, error)
	Spec() Spec
}

// Boundary: 拥有其上游子流水线的阶段（预取缓存）。
// 构建时，位于其之前的阶段被组装为 Provider 交给 Attach；对外层而言该阶段是源。
type Boundary interface {
	Attach(upstream Provider) error
}

// Source 标记终端阶段（忽略 up）。
type Source interface {
	Stage
	IsSource()
}

// Passthrough 可嵌入：默认原样传递请求与批、无状态。
type Passthrough struct{}

func (Passthrough) Setup(up Spec) (Spec, error) { return up, nil }

func (Passthrough) Prepare(_ context.Context, down Request, _ *rand.Rand) (Request, State, error) {
	return down.Clone(), nil, nil
}

func (Passthrough) Process(_ context.Context, up *Batch, _ Request, _ State) (*Batch, error) {
	return up, nil
}
