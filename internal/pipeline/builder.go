package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"lsdtrain/internal/diag"
	"lsdtrain/pkg/contract"
)

// Builder 按声明顺序（头→尾）组装阶段，构建期完成全部校验：
// - 首个阶段必须是源；源只能出现在段首；
// - 每个阶段的 Setup 在上游 Spec 上执行，缺失输入即 ErrConfig（生产者先于消费者）；
// - 遇到 Boundary 阶段时，此前的阶段被组装为内层流水线交给它，外层从它重新开始。
type Builder struct {
	stages []contract.Stage
	logger *diag.Logger
	seed   int64
	name   string
}

func NewBuilder(logger *diag.Logger) *Builder {
	return &Builder{logger: logger, name: "pipeline"}
}

// Add 追加阶段（尾部）。
func (b *Builder) Add(stages ...contract.Stage) *Builder {
	b.stages = append(b.stages, stages...)
	return b
}

// Seed 设置驱动线程使用的随机种子。
func (b *Builder) Seed(seed int64) *Builder {
	b.seed = seed
	return b
}

// Build 校验并返回不可变的流水线。
func (b *Builder) Build() (*Pipeline, error) {
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("%w: empty pipeline", contract.ErrConfig)
	}
	seen := map[string]bool{}
	var (
		segment    []contract.Stage
		spec       contract.Spec
		lifecycles []contract.Lifecycle
		depth      int
	)
	for i, s := range b.stages {
		if s == nil {
			return nil, fmt.Errorf("%w: stage #%d is nil", contract.ErrConfig, i)
		}
		name := strings.TrimSpace(s.Name())
		if name == "" {
			return nil, fmt.Errorf("%w: stage #%d has empty name", contract.ErrConfig, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate stage name %q", contract.ErrConfig, name)
		}
		seen[name] = true

		if bd, ok := s.(contract.Boundary); ok {
			if len(segment) == 0 {
				return nil, fmt.Errorf("%w: %s has no upstream stages", contract.ErrConfig, name)
			}
			inner := newPipeline(fmt.Sprintf("%s/inner%d", b.name, depth), segment, spec, b.logger, b.seed)
			if err := bd.Attach(inner); err != nil {
				return nil, contract.WrapStage(name, "setup", err)
			}
			depth++
			next, err := s.Setup(spec)
			if err != nil {
				return nil, contract.WrapStage(name, "setup", err)
			}
			segment, spec = []contract.Stage{s}, next
			if lc, ok := s.(contract.Lifecycle); ok {
				lifecycles = append(lifecycles, lc)
			}
			continue
		}

		_, isSource := s.(contract.Source)
		switch {
		case len(segment) == 0 && !isSource:
			return nil, fmt.Errorf("%w: first stage %s is not a source", contract.ErrConfig, name)
		case len(segment) > 0 && isSource:
			return nil, fmt.Errorf("%w: source %s must be the first stage", contract.ErrConfig, name)
		}
		up := spec
		if isSource {
			up = contract.Spec{}
		}
		next, err := s.Setup(up.Clone())
		if err != nil {
			return nil, contract.WrapStage(name, "setup", err)
		}
		if next == nil {
			return nil, contract.WrapStage(name, "setup", errors.New("setup returned nil spec"))
		}
		if d, ok := s.(contract.Displacer); ok && b.logger != nil {
			b.logger.Info("builder", "displacer", map[string]string{"stage": name, "max": d.MaxDisplacement().String()})
		}
		segment = append(segment, s)
		spec = next
		if lc, ok := s.(contract.Lifecycle); ok {
			lifecycles = append(lifecycles, lc)
		}
	}
	p := newPipeline(b.name, segment, spec, b.logger, b.seed)
	p.lifecycles = lifecycles
	return p, nil
}
