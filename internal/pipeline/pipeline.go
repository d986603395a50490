package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"lsdtrain/internal/diag"
	"lsdtrain/pkg/contract"
)

// - 两遍组合：Prepare 由尾到头把下游请求翻译为上游请求，Process 由头到尾履行；
// - 每个阶段 Process 之后按其下游请求裁剪，阶段永远看不到多于所请求的数据；
// - 阶段实例在 Build 之后只读，可被多个预取 worker 并发调用；随机数发生器按请求传入。

// Pipeline 为构建完成的阶段序列（头→尾）。
type Pipeline struct {
	name       string
	stages     []contract.Stage
	spec       contract.Spec
	logger     *diag.Logger
	seed       int64
	lifecycles []contract.Lifecycle
}

func newPipeline(name string, stages []contract.Stage, spec contract.Spec, logger *diag.Logger, seed int64) *Pipeline {
	return &Pipeline{
		name:   name,
		stages: append([]contract.Stage(nil), stages...),
		spec:   spec.Clone(),
		logger: logger,
		seed:   seed,
	}
}

// Spec 返回尾部可提供的通道。
func (p *Pipeline) Spec() contract.Spec { return p.spec.Clone() }

// Stages 返回本段阶段名（头→尾）。
func (p *Pipeline) Stages() []string {
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name()
	}
	return out
}

// CheckRequest 校验请求通道均可由尾部提供（ErrConfig）。
func (p *Pipeline) CheckRequest(req contract.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	for _, k := range req.Keys() {
		if _, ok := p.spec[k]; !ok {
			return fmt.Errorf("%w: requested array %s is not provided by %s", contract.ErrConfig, k, p.name)
		}
	}
	return nil
}

// Request 同步履行一次请求：Prepare 尾→头，Process 头→尾，逐段裁剪。
// 返回的批恰好覆盖 req（通道与区域均一致）。
func (p *Pipeline) Request(ctx context.Context, req contract.Request, rng *rand.Rand) (*contract.Batch, error) {
	n := len(p.stages)
	reqs := make([]contract.Request, n+1)
	states := make([]contract.State, n)
	reqs[n] = req

	for i := n - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := p.stages[i]
		t0 := time.Now()
		up, st, err := s.Prepare(ctx, reqs[i+1], rng)
		if err != nil {
			return nil, p.fail(s.Name(), "prepare", err)
		}
		diag.ObserveSince(s.Name(), "prepare", t0)
		reqs[i], states[i] = up, st
	}

	var b *contract.Batch
	for i, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t0 := time.Now()
		out, err := s.Process(ctx, b, reqs[i+1], states[i])
		if err != nil {
			return nil, p.fail(s.Name(), "process", err)
		}
		if out == nil {
			return nil, p.fail(s.Name(), "process", fmt.Errorf("%w: nil batch", contract.ErrInvariantViolation))
		}
		b, err = out.Crop(reqs[i+1])
		if err != nil {
			return nil, p.fail(s.Name(), "crop", err)
		}
		diag.ObserveSince(s.Name(), "process", t0)
		diag.IncOp(s.Name(), "process", "success")
	}
	return b, nil
}

func (p *Pipeline) fail(stage, phase string, err error) error {
	var se *contract.StageError
	first := !errors.As(err, &se)
	err = contract.WrapStage(stage, phase, err)
	code := diag.Classify(err)
	diag.IncOp(stage, phase, "error")
	if !first {
		return err
	}
	if code != diag.CodeUnknown {
		diag.IncError(stage, string(code))
	}
	// 取消由上层统一记录；错误只在首次包装处记录一次
	if code != diag.CodeCancel && p.logger != nil {
		p.logger.ErrorWith(stage, string(code), fmt.Sprintf("%s failed: %v", phase, err), nil, 0, 0)
	}
	return err
}

// Open 按头→尾顺序打开所有 Lifecycle 阶段（含内层段），返回会话。
// 任一失败时逆序关闭已打开的阶段。
func (p *Pipeline) Open(ctx context.Context) (*Session, error) {
	s := &Session{p: p, rng: rand.New(rand.NewSource(p.seed))}
	for _, lc := range p.lifecycles {
		if err := lc.Open(ctx); err != nil {
			_ = s.closeOpened()
			return nil, contract.WrapStage(stageName(lc), "open", err)
		}
		s.opened = append(s.opened, lc)
	}
	if p.logger != nil {
		p.logger.Info("pipeline", "opened", map[string]string{"lifecycles": fmt.Sprintf("%d", len(s.opened))})
	}
	return s, nil
}

func stageName(lc contract.Lifecycle) string {
	if s, ok := lc.(contract.Stage); ok {
		return s.Name()
	}
	return fmt.Sprintf("%T", lc)
}

// Session 表示一次已打开资源的运行期；仅由单个驱动 goroutine 使用。
type Session struct {
	p      *Pipeline
	rng    *rand.Rand
	opened []contract.Lifecycle

	mu     sync.Mutex
	closed bool
}

// RequestBatch 履行一次请求（驱动线程的随机源）。
func (s *Session) RequestBatch(ctx context.Context, req contract.Request) (*contract.Batch, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: session closed", contract.ErrSchedulerClosed)
	}
	return s.p.Request(ctx, req, s.rng)
}

// Opened 返回已打开的 Lifecycle 阶段（头→尾，含内层段）。
func (s *Session) Opened() []contract.Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Lifecycle(nil), s.opened...)
}

// Close 逆序关闭所有已打开阶段；幂等。返回首个错误，其余以 errors.Join 合并。
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.closeOpened()
}

func (s *Session) closeOpened() error {
	var errs []error
	for i := len(s.opened) - 1; i >= 0; i-- {
		lc := s.opened[i]
		if err := lc.Close(); err != nil {
			errs = append(errs, contract.WrapStage(stageName(lc), "close", err))
		}
	}
	s.opened = nil
	return errors.Join(errs...)
}
