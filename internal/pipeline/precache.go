package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"lsdtrain/internal/diag"
	"lsdtrain/pkg/contract"
)

// PreCacheOptions 预取阶段参数。
type PreCacheOptions struct {
	Name      string
	CacheSize int
	Workers   int
	Seed      int64
	Logger    *diag.Logger
}

// PreCache 持有其上游子流水线，以调度器在后台并发履行同一请求并按序交付。
// 对外层流水线而言它是源；请求变化时重启调度器（在途结果丢弃）。
type PreCache struct {
	opts     PreCacheOptions
	upstream contract.Provider

	mu      sync.Mutex
	base    context.Context
	sched   *Scheduler
	current contract.Request
	running bool
}

func NewPreCache(opts PreCacheOptions) (*PreCache, error) {
	if opts.Name == "" {
		opts.Name = "precache"
	}
	if opts.CacheSize < 1 || opts.Workers < 1 {
		return nil, fmt.Errorf("%w: precache needs cache_size >= 1 and num_workers >= 1, got %d/%d",
			contract.ErrConfig, opts.CacheSize, opts.Workers)
	}
	return &PreCache{opts: opts}, nil
}

func (c *PreCache) Name() string { return c.opts.Name }

func (c *PreCache) IsSource() {}

// Attach 由 Builder 调用，交入上游子流水线。
func (c *PreCache) Attach(upstream contract.Provider) error {
	if upstream == nil {
		return fmt.Errorf("%w: precache without upstream", contract.ErrConfig)
	}
	c.upstream = upstream
	return nil
}

func (c *PreCache) Setup(up contract.Spec) (contract.Spec, error) {
	if c.upstream == nil {
		return nil, fmt.Errorf("%w: precache not attached", contract.ErrConfig)
	}
	return up.Clone(), nil
}

func (c *PreCache) Prepare(_ context.Context, down contract.Request, _ *rand.Rand) (contract.Request, contract.State, error) {
	return down.Clone(), nil, nil
}

// Open 记录后台 worker 使用的基础上下文；调度器在首个请求到来时启动。
func (c *PreCache) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = ctx
	return nil
}

// Process 取下一个按序交付的批。up 恒为 nil。
func (c *PreCache) Process(ctx context.Context, _ *contract.Batch, down contract.Request, _ contract.State) (*contract.Batch, error) {
	sched, err := c.ensure(down)
	if err != nil {
		return nil, err
	}
	e, err := sched.Next(ctx)
	if err != nil {
		return nil, err
	}
	return e.Batch, nil
}

// ensure 返回服务于 req 的调度器；请求变化时重启。
func (c *PreCache) ensure(req contract.Request) (*Scheduler, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running && c.current.Equal(req) {
		return c.sched, nil
	}
	if c.sched != nil {
		_ = c.sched.Close()
		if c.opts.Logger != nil {
			c.opts.Logger.Info(c.opts.Name, "request changed, restarting workers", nil)
		}
	}
	base := c.base
	if base == nil {
		base = context.Background()
	}
	s, err := NewScheduler(c.produce, SchedulerOptions{
		Name:      c.opts.Name,
		Workers:   c.opts.Workers,
		CacheSize: c.opts.CacheSize,
		Repeat:    true,
		Logger:    c.opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Start(base); err != nil {
		return nil, err
	}
	if err := s.Submit(req.Clone()); err != nil {
		_ = s.Close()
		return nil, err
	}
	c.sched, c.current, c.running = s, req.Clone(), true
	return s, nil
}

func (c *PreCache) produce(ctx context.Context, seq int64, req contract.Request) (*contract.Batch, error) {
	rng := rand.New(rand.NewSource(SeedFor(c.opts.Seed, seq)))
	b, err := c.upstream.Request(ctx, req, rng)
	if err != nil {
		return nil, err
	}
	b.ID = seq
	return b, nil
}

// Close 停止后台 worker；幂等。
func (c *PreCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched != nil {
		_ = c.sched.Close()
		c.sched = nil
	}
	c.running = false
	return nil
}

// SeedFor 由 (seed, seq) 派生独立的子种子（splitmix64）。
func SeedFor(seed, seq int64) int64 {
	z := uint64(seed) + uint64(seq)*0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return int64(z ^ (z >> 31))
}
