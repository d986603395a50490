package pipeline

import (
	"context"
	"fmt"
	"sync"

	"lsdtrain/internal/diag"
	"lsdtrain/pkg/contract"
)

// ProduceFunc 在 worker 中履行一次请求。seq 为提交序号（自 1 起）。
type ProduceFunc func(ctx context.Context, seq int64, req contract.Request) (*contract.Batch, error)

// SchedulerOptions 调度器参数。
type SchedulerOptions struct {
	Name      string
	Workers   int
	CacheSize int
	// Repeat: 待发队列为空时重复派发最近一次提交的请求（预取稳态）。
	Repeat bool
	Logger *diag.Logger
}

// CacheEntry 按提交顺序交付的结果。
type CacheEntry struct {
	Seq     int64
	Request contract.Request
	Batch   *contract.Batch
}

type job struct {
	seq int64
	req contract.Request
}

type result struct {
	seq   int64
	req   contract.Request
	batch *contract.Batch
	err   error
}

// Scheduler: 有界、保序的异步预取。
// - 派发器先占用一个缓存槽位，再为请求分配序号交给 worker：已产出未取走的结果 ≤ CacheSize，
//   且最小未交付序号总在执行中，乱序不会占满槽位而死锁；
// - worker 乱序完成，Next 以序号暂存并严格按提交顺序交付，每交付一个释放一个槽位；
// - 首个 worker 错误：worker 当即记录并取消调度上下文（不等消费者读到），派发器不再分配序号，
//   Next 立即且此后一直返回该错误；
// - Close 取消并等待派发器与 worker 退出，丢弃在途结果；幂等。
type Scheduler struct {
	produce ProduceFunc
	opts    SchedulerOptions

	slots   chan struct{}
	jobs    chan job
	results chan result
	wake    chan struct{}

	mu      sync.Mutex
	pending []contract.Request
	last    *contract.Request
	nextSeq int64
	err     error
	started bool
	closed  bool

	// 仅消费者使用（nextMu 串行化多个消费者）
	nextMu  sync.Mutex
	buf     map[int64]result
	deliver int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(produce ProduceFunc, opts SchedulerOptions) (*Scheduler, error) {
	if produce == nil {
		return nil, fmt.Errorf("%w: scheduler without produce func", contract.ErrConfig)
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("%w: scheduler workers must be >= 1, got %d", contract.ErrConfig, opts.Workers)
	}
	if opts.CacheSize < 1 {
		return nil, fmt.Errorf("%w: cache size must be >= 1, got %d", contract.ErrConfig, opts.CacheSize)
	}
	if opts.Name == "" {
		opts.Name = "scheduler"
	}
	return &Scheduler{
		produce: produce,
		opts:    opts,
		slots:   make(chan struct{}, opts.CacheSize),
		jobs:    make(chan job),
		results: make(chan result, opts.CacheSize),
		wake:    make(chan struct{}, 1),
		buf:     map[int64]result{},
		nextSeq: 1,
		deliver: 1,
	}, nil
}

// Start 启动派发器与 worker；重复调用无效果。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contract.ErrSchedulerClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1 + s.opts.Workers)
	go s.dispatch()
	for i := 0; i < s.opts.Workers; i++ {
		go s.work()
	}
	if s.opts.Logger != nil {
		s.opts.Logger.Info(s.opts.Name, "scheduler started", map[string]string{
			"workers":    fmt.Sprintf("%d", s.opts.Workers),
			"cache_size": fmt.Sprintf("%d", s.opts.CacheSize),
		})
	}
	return nil
}

// Submit 追加一个待履行请求（请求在调度器内视为只读）。
func (s *Scheduler) Submit(req contract.Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return contract.ErrSchedulerClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.pending = append(s.pending, req)
	r := req
	s.last = &r
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// take 取下一个待派发请求；无请求时阻塞直到 Submit 或取消。
func (s *Scheduler) take() (contract.Request, bool) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			r := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return r, true
		}
		if s.opts.Repeat && s.last != nil {
			r := *s.last
			s.mu.Unlock()
			return r, true
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return contract.Request{}, false
		}
	}
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		// 先占槽位，再分配序号
		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		req, ok := s.take()
		if !ok || s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		seq := s.nextSeq
		s.nextSeq++
		s.mu.Unlock()
		select {
		case s.jobs <- job{seq: seq, req: req}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			var b *contract.Batch
			err := s.ctx.Err()
			if err == nil {
				b, err = s.produce(s.ctx, j.seq, j.req)
			}
			if err != nil {
				// 出错即中止：派发器停止分配序号，在途的同伴被取消
				s.fail(err)
			}
			// results 容量 = 槽位数，持槽结果数不超过容量，发送不会阻塞
			s.results <- result{seq: j.seq, req: j.req, batch: b, err: err}
		}
	}
}

// fail 记录首错并取消。关闭后产生的错误（含关闭引起的取消）不记录。
func (s *Scheduler) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && s.closed {
		return contract.ErrSchedulerClosed
	}
	if s.err == nil {
		s.err = err
		if s.cancel != nil {
			s.cancel()
		}
		if s.opts.Logger != nil && diag.Classify(err) != diag.CodeCancel {
			s.opts.Logger.ErrorWith(s.opts.Name, string(diag.Classify(err)), "worker failed, scheduler aborted", nil, 0, 0)
		}
	}
	return s.err
}

func (s *Scheduler) status() (closed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.err
}

// Next 按提交顺序返回下一个结果；阻塞直到就绪、出错、关闭或 ctx 取消。
func (s *Scheduler) Next(ctx context.Context) (CacheEntry, error) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	for {
		if closed, err := s.status(); err != nil {
			return CacheEntry{}, err
		} else if closed {
			return CacheEntry{}, contract.ErrSchedulerClosed
		}
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			return CacheEntry{}, fmt.Errorf("%w: scheduler not started", contract.ErrSchedulerClosed)
		}
		if r, ok := s.buf[s.deliver]; ok {
			delete(s.buf, s.deliver)
			s.deliver++
			<-s.slots
			return CacheEntry{Seq: r.seq, Request: r.req, Batch: r.batch}, nil
		}
		select {
		case r := <-s.results:
			if r.err != nil {
				if closed, _ := s.status(); closed {
					return CacheEntry{}, contract.ErrSchedulerClosed
				}
				return CacheEntry{}, s.fail(r.err)
			}
			s.buf[r.seq] = r
		case <-ctx.Done():
			return CacheEntry{}, ctx.Err()
		case <-s.ctx.Done():
			// 首错或关闭；下一轮返回对应错误。父 ctx 被取消时按取消处理
			if closed, err := s.status(); err == nil && !closed {
				return CacheEntry{}, s.fail(s.ctx.Err())
			}
		}
	}
}

// Ready 返回已产出但未交付的结果数（含 results 通道内）。
func (s *Scheduler) Ready() int {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	return len(s.buf) + len(s.results)
}

// Close 取消并等待所有 goroutine 退出；丢弃在途结果，不返回错误。幂等。
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	for len(s.results) > 0 {
		<-s.results
	}
	s.nextMu.Lock()
	s.buf = map[int64]result{}
	s.nextMu.Unlock()
	return nil
}
