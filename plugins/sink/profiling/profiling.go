// Package profiling 周期性汇总各阶段耗时（计数、均值、标准差、极值、总计）并输出。
package profiling

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"lsdtrain/internal/diag"
	"lsdtrain/pkg/contract"
	"lsdtrain/plugins/sink"
)

type Options struct {
	Every int64 `json:"every"`
	// Reset: 打印后清空计时样本（默认 true），每次报告只覆盖上一周期。
	Reset *bool `json:"reset,omitempty"`
}

type Profiling struct {
	contract.Passthrough
	name     string
	every    int64
	reset    bool
	profiler *diag.Profiler
	out      io.Writer
	logger   *diag.Logger
}

// New: out 为 nil 时只写日志。
func New(name string, opts *Options, out io.Writer, logger *diag.Logger) *Profiling {
	if opts == nil {
		opts = &Options{}
	}
	return &Profiling{
		name:     name,
		every:    opts.Every,
		reset:    opts.Reset == nil || *opts.Reset,
		profiler: diag.DefaultProfiler(),
		out:      out,
		logger:   logger,
	}
}

func (p *Profiling) Name() string { return p.name }

func (p *Profiling) Process(_ context.Context, up *contract.Batch, _ contract.Request, _ contract.State) (*contract.Batch, error) {
	if !sink.Due(up.Iteration, p.every) {
		return up, nil
	}
	snap := p.profiler.Snapshot(p.reset)
	for _, ts := range snap.Timings {
		p.logger.Info(p.name, "timing", map[string]string{
			"name":     ts.Name,
			"count":    strconv.Itoa(ts.Count),
			"mean_ms":  ms(ts.Mean),
			"std_ms":   ms(ts.Std),
			"min_ms":   ms(ts.Min),
			"max_ms":   ms(ts.Max),
			"total_ms": ms(ts.Total),
		})
	}
	if p.out != nil {
		if err := Write(p.out, up.Iteration, snap); err != nil {
			p.logger.Warn(p.name, string(diag.CodeIO), "print profiling stats: "+err.Error(), nil)
		}
	}
	return up, nil
}

func ms(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

// Write 以对齐表格输出快照。
func Write(w io.Writer, iteration int64, snap diag.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "Profiling stats (iteration %d)\t\t\t\t\t\t\t\n", iteration)
	fmt.Fprintln(tw, "name\tcount\tmean ms\tstd ms\tmin ms\tmax ms\ttotal ms\t")
	for _, ts := range snap.Timings {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t\n", ts.Name, ts.Count, ms(ts.Mean), ms(ts.Std), ms(ts.Min), ms(ts.Max), ms(ts.Total))
	}
	if len(snap.Errors) > 0 {
		names := make([]string, 0, len(snap.Errors))
		for k := range snap.Errors {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(tw, "errors %s\t%d\t\t\t\t\t\t\n", k, snap.Errors[k])
		}
	}
	return tw.Flush()
}
