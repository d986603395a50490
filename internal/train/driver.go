package train

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"lsdtrain/internal/diag"
	"lsdtrain/internal/pipeline"
	"lsdtrain/pkg/contract"
)

type RunOptions struct {
	// MaxIterations: 请求批的次数上限（>0）。
	MaxIterations int64
	Logger        *diag.Logger
	// Workers 仅用于终端提示。
	Workers int
}

// Summary 为一次运行的结果。
type Summary struct {
	Batches        int64
	FirstIteration int64
	LastIteration  int64
	LastLoss       float64
	Duration       time.Duration
}

// Run 打开流水线会话并循环请求批，直到完成 MaxIterations 次请求，
// 或模型迭代号（含从检查点恢复的部分）达到 MaxIterations；
// 恢复的迭代号已达上限时不发出任何请求。
// 任一阶段错误即中止，不重试；会话在所有路径上关闭。
func Run(ctx context.Context, p *pipeline.Pipeline, req contract.Request, opts RunOptions) (sum Summary, err error) {
	lg := opts.Logger
	t0 := time.Now()
	term := diag.GetTerminal()
	defer func() {
		sum.Duration = time.Since(t0)
		term.RunFinish(err == nil, sum.Duration)
		if err != nil && !loggedByPipeline(err) {
			code := diag.Classify(err)
			if code == diag.CodeCancel {
				lg.Warn("train", string(code), "run cancelled", map[string]string{"batches": strconv.FormatInt(sum.Batches, 10)})
			} else {
				lg.ErrorWith("train", string(code), err.Error(), &t0, sum.LastIteration, sum.Batches)
			}
		}
	}()

	if opts.MaxIterations <= 0 {
		return sum, fmt.Errorf("%w: max_iterations must be > 0, got %d", contract.ErrConfig, opts.MaxIterations)
	}
	if p == nil {
		return sum, fmt.Errorf("%w: nil pipeline", contract.ErrConfig)
	}
	if err := p.CheckRequest(req); err != nil {
		return sum, err
	}
	sess, err := p.Open(ctx)
	if err != nil {
		return sum, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			lg.Warn("train", string(diag.Classify(cerr)), "close: "+cerr.Error(), nil)
			if err == nil {
				err = cerr
			}
		}
	}()

	// 检查点已达上限：不再多训一步
	if it := resumedIteration(sess); it >= opts.MaxIterations {
		sum.FirstIteration, sum.LastIteration = it, it
		lg.Info("train", "checkpoint already at max_iterations", map[string]string{
			"iteration":      strconv.FormatInt(it, 10),
			"max_iterations": strconv.FormatInt(opts.MaxIterations, 10),
		})
		return sum, nil
	}

	timer := lg.Start("train", "run")
	started := false
	for sum.Batches < opts.MaxIterations {
		b, err := sess.RequestBatch(ctx, req)
		if err != nil {
			return sum, err
		}
		sum.Batches++
		if !started {
			started = true
			sum.FirstIteration = b.Iteration
			term.RunStart(opts.Workers, opts.MaxIterations, max(b.Iteration-1, 0))
		}
		sum.LastIteration, sum.LastLoss = b.Iteration, b.Loss
		progress := max(b.Iteration, sum.Batches)
		term.Iteration(progress, b.Loss)
		if b.Iteration >= opts.MaxIterations {
			break
		}
	}
	timer.Finish("run", sum.Batches)
	lg.Info("train", "run complete", map[string]string{
		"batches":   strconv.FormatInt(sum.Batches, 10),
		"iteration": strconv.FormatInt(sum.LastIteration, 10),
		"loss":      strconv.FormatFloat(sum.LastLoss, 'g', 6, 64),
	})
	return sum, nil
}

// resumedIteration 返回已打开的训练阶段中最大的迭代号（未恢复时为 0）。
func resumedIteration(sess *pipeline.Session) int64 {
	var it int64
	for _, lc := range sess.Opened() {
		if st, ok := lc.(interface{ Iteration() int64 }); ok {
			it = max(it, st.Iteration())
		}
	}
	return it
}

// loggedByPipeline: 阶段在 prepare/process/crop 中的失败已由流水线记录。
func loggedByPipeline(err error) bool {
	var se *contract.StageError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Phase {
	case "prepare", "process", "crop":
		return diag.Classify(err) != diag.CodeCancel
	}
	return false
}
