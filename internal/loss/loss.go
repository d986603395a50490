// Package loss 汇总多任务的带权（掩码）均方误差，并给出对预测的梯度。
package loss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"lsdtrain/pkg/contract"
)

// Task 为单个监督任务：同长度的预测、目标与（可选）逐体素权重。
type Task struct {
	Name       string
	Prediction []float32
	Target     []float32
	// Weights 为 nil 时等价于全部为 1。
	Weights []float32
}

// Path 标记实际使用的归约方式。
type Path string

const (
	// PathMasked: 存在正权重，对 w>0 的体素求 w·(p−t)² 的均值。
	PathMasked Path = "masked"
	// PathUnmasked: 没有正权重，退化为全部体素的 (p−t)² 均值。
	PathUnmasked Path = "unmasked"
)

// TaskLoss 为单任务结果。
type TaskLoss struct {
	Name string
	Loss float64
	Path Path
	// Voxels: 参与均值的体素数。
	Voxels int
	// Grad: dLoss/dPrediction，长度与 Prediction 相同。
	Grad []float32
}

// Result 为汇总结果；Total 为各任务损失的直接求和。
type Result struct {
	Total float64
	Tasks []TaskLoss
}

// Get 按名称查找任务结果。
func (r Result) Get(name string) (TaskLoss, bool) {
	for _, t := range r.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return TaskLoss{}, false
}

// Aggregate 计算每个任务的损失与梯度，并求和。
// 全零权重不是错误：走 PathUnmasked，结果有限且在误差非零时非零。
func Aggregate(tasks []Task) (Result, error) {
	if len(tasks) == 0 {
		return Result{}, fmt.Errorf("%w: no loss tasks", contract.ErrInvalidInput)
	}
	out := Result{Tasks: make([]TaskLoss, 0, len(tasks))}
	for _, t := range tasks {
		tl, err := taskLoss(t)
		if err != nil {
			return Result{}, err
		}
		out.Tasks = append(out.Tasks, tl)
	}
	losses := make([]float64, len(out.Tasks))
	for i, t := range out.Tasks {
		losses[i] = t.Loss
	}
	out.Total = floats.Sum(losses)
	return out, nil
}

func taskLoss(t Task) (TaskLoss, error) {
	n := len(t.Prediction)
	if n == 0 {
		return TaskLoss{}, fmt.Errorf("%w: task %s: empty prediction", contract.ErrInvalidInput, t.Name)
	}
	if len(t.Target) != n {
		return TaskLoss{}, fmt.Errorf("%w: task %s: target length %d != prediction length %d",
			contract.ErrInvalidInput, t.Name, len(t.Target), n)
	}
	if t.Weights != nil && len(t.Weights) != n {
		return TaskLoss{}, fmt.Errorf("%w: task %s: weights length %d != prediction length %d",
			contract.ErrInvalidInput, t.Name, len(t.Weights), n)
	}
	diff := make([]float64, n)
	for i := range diff {
		diff[i] = float64(t.Prediction[i]) - float64(t.Target[i])
	}
	if floats.HasNaN(diff) {
		return TaskLoss{}, fmt.Errorf("%w: task %s: NaN in prediction or target", contract.ErrInvalidInput, t.Name)
	}
	w := weightsOf(t.Weights, n)
	grad := make([]float32, n)

	if anyPositive(w) {
		terms := make([]float64, 0, n)
		for i, wi := range w {
			if wi > 0 {
				terms = append(terms, wi*diff[i]*diff[i])
			}
		}
		m := float64(len(terms))
		for i, wi := range w {
			if wi > 0 {
				grad[i] = float32(2 * wi * diff[i] / m)
			}
		}
		l := stat.Mean(terms, nil)
		if math.IsInf(l, 0) || math.IsNaN(l) {
			return TaskLoss{}, fmt.Errorf("%w: task %s: non-finite loss", contract.ErrInvalidInput, t.Name)
		}
		return TaskLoss{Name: t.Name, Loss: l, Path: PathMasked, Voxels: len(terms), Grad: grad}, nil
	}

	sq := make([]float64, n)
	floats.MulTo(sq, diff, diff)
	for i := range grad {
		grad[i] = float32(2 * diff[i] / float64(n))
	}
	return TaskLoss{Name: t.Name, Loss: stat.Mean(sq, nil), Path: PathUnmasked, Voxels: n, Grad: grad}, nil
}

func weightsOf(ws []float32, n int) []float64 {
	w := make([]float64, n)
	if ws == nil {
		for i := range w {
			w[i] = 1
		}
		return w
	}
	for i, v := range ws {
		w[i] = float64(v)
	}
	return w
}

func anyPositive(w []float64) bool {
	for _, v := range w {
		if v > 0 {
			return true
		}
	}
	return false
}
