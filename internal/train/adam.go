package train

import (
	"fmt"
	"math"

	"lsdtrain/pkg/contract"
)

// AdamOptions: 默认 lr=0.5e-4, betas=(0.95, 0.999), eps=1e-8。
type AdamOptions struct {
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	Epsilon      float64 `json:"epsilon"`
}

func (o AdamOptions) withDefaults() AdamOptions {
	if o.LearningRate == 0 {
		o.LearningRate = 0.5e-4
	}
	if o.Beta1 == 0 {
		o.Beta1 = 0.95
	}
	if o.Beta2 == 0 {
		o.Beta2 = 0.999
	}
	if o.Epsilon == 0 {
		o.Epsilon = 1e-8
	}
	return o
}

func (o AdamOptions) validate() error {
	if o.LearningRate <= 0 || o.Epsilon <= 0 || o.Beta1 <= 0 || o.Beta1 >= 1 || o.Beta2 <= 0 || o.Beta2 >= 1 {
		return fmt.Errorf("%w: adam requires lr>0, eps>0 and betas in (0,1), got %+v", contract.ErrConfig, o)
	}
	return nil
}

// AdamState 为可持久化的优化器状态。
type AdamState struct {
	Step int64     `json:"step"`
	M    []float64 `json:"m"`
	V    []float64 `json:"v"`
}

// Adam 优化器（带偏差修正）。
type Adam struct {
	opts  AdamOptions
	state AdamState
}

func NewAdam(opts AdamOptions, n int) (*Adam, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Adam{opts: opts, state: AdamState{M: make([]float64, n), V: make([]float64, n)}}, nil
}

// Step 以梯度 g 原地更新 params。
func (a *Adam) Step(params, g []float64) error {
	if len(params) != len(a.state.M) || len(g) != len(params) {
		return fmt.Errorf("%w: adam: %d params, %d grads, state %d",
			contract.ErrInvariantViolation, len(params), len(g), len(a.state.M))
	}
	a.state.Step++
	b1, b2 := a.opts.Beta1, a.opts.Beta2
	c1 := 1 - math.Pow(b1, float64(a.state.Step))
	c2 := 1 - math.Pow(b2, float64(a.state.Step))
	m, v := a.state.M, a.state.V
	for i, gi := range g {
		m[i] = b1*m[i] + (1-b1)*gi
		v[i] = b2*v[i] + (1-b2)*gi*gi
		params[i] -= a.opts.LearningRate * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.opts.Epsilon)
	}
	return nil
}

func (a *Adam) State() AdamState {
	return AdamState{
		Step: a.state.Step,
		M:    append([]float64(nil), a.state.M...),
		V:    append([]float64(nil), a.state.V...),
	}
}

// Restore 载入持久化状态；长度须与参数一致。
func (a *Adam) Restore(s AdamState) error {
	if len(s.M) != len(a.state.M) || len(s.V) != len(a.state.V) {
		return fmt.Errorf("%w: adam state size %d/%d, want %d", contract.ErrConfig, len(s.M), len(s.V), len(a.state.M))
	}
	a.state = AdamState{Step: s.Step, M: append([]float64(nil), s.M...), V: append([]float64(nil), s.V...)}
	return nil
}
