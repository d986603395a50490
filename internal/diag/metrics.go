package diag

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// 进程内指标：
// - op_total{comp,phase,result}
// - error_total{comp,code}
// - op_duration_ms{comp,phase}
// 由默认 Profiler 汇总；profiling sink 周期性取快照并打印。

// DefaultWindow: 每个计时项保留的最近样本数（用于标准差）。
const DefaultWindow = 4096

// Profiler 汇总各组件的计数与耗时。并发安全。
// 次数、总和、最值按全部样本累计；样本本身只保留最近 window 个，内存有界。
type Profiler struct {
	mu     sync.Mutex
	ops    map[string]int64
	errs   map[string]int64
	timing map[string]*series
	window int
}

type series struct {
	n        int
	total    float64
	min, max float64
	recent   []float64
	next     int
}

func (s *series) add(ms float64, window int) {
	if s.n == 0 || ms < s.min {
		s.min = ms
	}
	if s.n == 0 || ms > s.max {
		s.max = ms
	}
	s.n++
	s.total += ms
	if len(s.recent) < window {
		s.recent = append(s.recent, ms)
		return
	}
	s.recent[s.next] = ms
	s.next = (s.next + 1) % window
}

func NewProfiler() *Profiler {
	return &Profiler{ops: map[string]int64{}, errs: map[string]int64{}, timing: map[string]*series{}, window: DefaultWindow}
}

var defaultProfiler = NewProfiler()

// DefaultProfiler 返回进程级 Profiler。
func DefaultProfiler() *Profiler { return defaultProfiler }

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, phase, result string) { defaultProfiler.IncOp(comp, phase, result) }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { defaultProfiler.IncError(comp, code) }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, phase string, durMS int64) {
	defaultProfiler.Observe(comp+"."+phase, float64(durMS))
}

// ObserveSince 记录自 t0 起的耗时（亚毫秒精度）。
func ObserveSince(comp, phase string, t0 time.Time) {
	defaultProfiler.Observe(comp+"."+phase, float64(time.Since(t0).Microseconds())/1000)
}

func (p *Profiler) IncOp(comp, phase, result string) {
	p.mu.Lock()
	p.ops[comp+"."+phase+"."+result]++
	p.mu.Unlock()
}

func (p *Profiler) IncError(comp, code string) {
	p.mu.Lock()
	p.errs[comp+"."+code]++
	p.mu.Unlock()
}

// Observe 记录一个耗时样本（毫秒，可为小数）。
func (p *Profiler) Observe(name string, ms float64) {
	if math.IsNaN(ms) {
		return
	}
	p.mu.Lock()
	ts := p.timing[name]
	if ts == nil {
		ts = &series{}
		p.timing[name] = ts
	}
	ts.add(ms, p.window)
	p.mu.Unlock()
}

// TimingStat 为单个计时项的汇总。Std 取最近 DefaultWindow 个样本。
type TimingStat struct {
	Name  string
	Count int
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
	Total float64
}

// Snapshot 为某一时刻的汇总结果。
type Snapshot struct {
	Timings []TimingStat
	Ops     map[string]int64
	Errors  map[string]int64
}

// Snapshot 汇总当前数据；reset=true 时清空计时样本（计数保留）。
func (p *Profiler) Snapshot(reset bool) Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Snapshot{Ops: make(map[string]int64, len(p.ops)), Errors: make(map[string]int64, len(p.errs))}
	for k, v := range p.ops {
		out.Ops[k] = v
	}
	for k, v := range p.errs {
		out.Errors[k] = v
	}
	for name, ts := range p.timing {
		if ts.n == 0 {
			continue
		}
		var std float64
		if len(ts.recent) > 1 {
			std = stat.StdDev(ts.recent, nil)
		}
		out.Timings = append(out.Timings, TimingStat{
			Name:  name,
			Count: ts.n,
			Mean:  ts.total / float64(ts.n),
			Std:   std,
			Min:   ts.min,
			Max:   ts.max,
			Total: ts.total,
		})
	}
	sort.Slice(out.Timings, func(i, j int) bool { return out.Timings[i].Name < out.Timings[j].Name })
	if reset {
		p.timing = map[string]*series{}
	}
	return out
}
