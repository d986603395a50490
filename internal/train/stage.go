// Package train 提供模型更新阶段（前向、多任务损失、反向、Adam、检查点）与训练驱动循环。
package train

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"

	"lsdtrain/internal/atomicfile"
	"lsdtrain/internal/diag"
	"lsdtrain/internal/loss"
	"lsdtrain/pkg/contract"
)

// LossInput 绑定一个损失任务：模型输出名、目标通道、可选权重通道。
type LossInput struct {
	Output  string `json:"output"`
	Target  string `json:"target"`
	Weights string `json:"weights,omitempty"`
}

type Options struct {
	// Inputs: 模型输入名 → 通道名。
	Inputs map[string]string `json:"inputs"`
	// Outputs: 模型输出名 → 预测通道名。
	Outputs    map[string]string `json:"outputs"`
	LossInputs []LossInput       `json:"loss_inputs"`
	AdamOptions
	// SaveEvery: 每隔多少次迭代写检查点；<=0 关闭。
	SaveEvery          int64  `json:"save_every"`
	CheckpointDir      string `json:"checkpoint_dir"`
	CheckpointBasename string `json:"checkpoint_basename"`
	// Resume: 打开时从最新检查点恢复。默认 true。
	Resume *bool `json:"resume,omitempty"`
}

type lossKeys struct {
	output  string
	pred    *contract.ArrayKey
	target  *contract.ArrayKey
	weights *contract.ArrayKey
}

// Stage 为模型更新阶段。与其他阶段不同，它持有可变的参数与优化器状态，
// Process 以互斥锁串行化。
type Stage struct {
	name     string
	model    Model
	inputs   map[string]*contract.ArrayKey
	outputs  map[string]*contract.ArrayKey
	loss     []lossKeys
	opts     Options
	writer   *atomicfile.Writer
	basename string
	resume   bool
	logger   *diag.Logger

	mu        sync.Mutex
	adam      *Adam
	iteration int64
}

func New(name string, opts *Options, keys *contract.Keys, model Model, logger *diag.Logger) (*Stage, error) {
	if opts == nil {
		opts = &Options{}
	}
	if model == nil {
		return nil, fmt.Errorf("%w: %s: nil model", contract.ErrConfig, name)
	}
	s := &Stage{
		name:     name,
		model:    model,
		inputs:   map[string]*contract.ArrayKey{},
		outputs:  map[string]*contract.ArrayKey{},
		opts:     *opts,
		basename: opts.CheckpointBasename,
		resume:   opts.Resume == nil || *opts.Resume,
		logger:   logger,
	}
	if s.basename == "" {
		s.basename = "model_checkpoint"
	}
	for _, in := range model.Inputs() {
		kn, ok := opts.Inputs[in]
		if !ok {
			return nil, fmt.Errorf("%w: %s: model input %q is not bound", contract.ErrConfig, name, in)
		}
		k, err := keys.Key(kn)
		if err != nil {
			return nil, err
		}
		s.inputs[in] = k
	}
	outChannels := model.Outputs()
	for out, kn := range opts.Outputs {
		if _, ok := outChannels[out]; !ok {
			return nil, fmt.Errorf("%w: %s: model has no output %q", contract.ErrConfig, name, out)
		}
		k, err := keys.Key(kn)
		if err != nil {
			return nil, err
		}
		s.outputs[out] = k
	}
	if len(opts.LossInputs) == 0 {
		return nil, fmt.Errorf("%w: %s: no loss inputs", contract.ErrConfig, name)
	}
	for _, li := range opts.LossInputs {
		if _, ok := outChannels[li.Output]; !ok {
			return nil, fmt.Errorf("%w: %s: loss input refers to unknown output %q", contract.ErrConfig, name, li.Output)
		}
		lk := lossKeys{output: li.Output, pred: s.outputs[li.Output]}
		var err error
		if lk.target, err = keys.Key(li.Target); err != nil {
			return nil, err
		}
		if li.Weights != "" {
			if lk.weights, err = keys.Key(li.Weights); err != nil {
				return nil, err
			}
		}
		s.loss = append(s.loss, lk)
	}
	adam, err := NewAdam(opts.AdamOptions, len(model.Params()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	s.adam = adam
	if opts.CheckpointDir != "" {
		if s.writer, err = atomicfile.New(&atomicfile.Options{Root: opts.CheckpointDir}); err != nil {
			return nil, fmt.Errorf("%w: %s: checkpoint dir: %v", contract.ErrConfig, name, err)
		}
	}
	return s, nil
}

func (s *Stage) Name() string { return s.name }

// Iteration 返回已完成的训练迭代数。
func (s *Stage) Iteration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

func (s *Stage) Setup(up contract.Spec) (contract.Spec, error) {
	need := make([]*contract.ArrayKey, 0, len(s.inputs)+2*len(s.loss))
	for _, k := range s.inputs {
		need = append(need, k)
	}
	for _, lk := range s.loss {
		need = append(need, lk.target)
		if lk.weights != nil {
			need = append(need, lk.weights)
		}
	}
	if err := contract.RequireKeys(s.name, up, need...); err != nil {
		return nil, err
	}
	channels := s.model.Outputs()
	out := up.Clone()
	for _, lk := range s.loss {
		ts := up[lk.target]
		if ts.Channels != 0 && ts.Channels != channels[lk.output] {
			return nil, fmt.Errorf("%w: %s: output %s has %d channels, target %s has %d",
				contract.ErrConfig, s.name, lk.output, channels[lk.output], lk.target, ts.Channels)
		}
		if lk.pred != nil {
			out[lk.pred] = contract.ArraySpec{Region: ts.Region, VoxelSize: ts.VoxelSize, Channels: channels[lk.output]}
		}
	}
	for name, k := range s.outputs {
		if _, ok := out[k]; !ok {
			return nil, fmt.Errorf("%w: %s: output %s has no loss target to take its extent from", contract.ErrConfig, s.name, name)
		}
	}
	return out, nil
}

// region 为本次模型输出区域：首个在下游请求中出现的预测或目标通道的区域。
func (s *Stage) region(down contract.Request) (contract.Region, error) {
	for _, lk := range s.loss {
		if lk.pred != nil {
			if r, ok := down.Get(lk.pred); ok {
				return r, nil
			}
		}
		if r, ok := down.Get(lk.target); ok {
			return r, nil
		}
	}
	return contract.Region{}, fmt.Errorf("%w: %s: request contains no prediction or loss target", contract.ErrInvalidInput, s.name)
}

func (s *Stage) Prepare(_ context.Context, down contract.Request, _ *rand.Rand) (contract.Request, contract.State, error) {
	reg, err := s.region(down)
	if err != nil {
		return contract.Request{}, nil, err
	}
	up := down.Clone()
	for _, k := range s.outputs {
		up.Remove(k)
	}
	extra := contract.NewRequest(down.VoxelSize)
	for _, lk := range s.loss {
		extra.Add(lk.target, reg)
		if lk.weights != nil {
			extra.Add(lk.weights, reg)
		}
	}
	in := reg.GrowSym(s.model.Context())
	for _, k := range s.inputs {
		extra.Add(k, in)
	}
	if err := up.Merge(extra); err != nil {
		return contract.Request{}, nil, err
	}
	return up, reg, nil
}

// Process 执行一步训练；批的 Iteration/Loss 被写入。
func (s *Stage) Process(ctx context.Context, up *contract.Batch, down contract.Request, st contract.State) (*contract.Batch, error) {
	reg, ok := st.(contract.Region)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected state %T", contract.ErrInvariantViolation, s.name, st)
	}
	inputs := make(map[string]*contract.Array, len(s.inputs))
	for name, k := range s.inputs {
		a, err := up.MustGet(k)
		if err != nil {
			return nil, err
		}
		inputs[name] = a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pass, err := s.model.Forward(ctx, inputs, reg)
	if err != nil {
		return nil, err
	}
	preds := pass.Outputs()
	tasks := make([]loss.Task, 0, len(s.loss))
	for _, lk := range s.loss {
		p, ok := preds[lk.output]
		if !ok {
			return nil, fmt.Errorf("%w: %s: model produced no %q", contract.ErrInvariantViolation, s.name, lk.output)
		}
		t, err := cropped(up, lk.target, reg)
		if err != nil {
			return nil, err
		}
		task := loss.Task{Name: lk.target.Name(), Prediction: p.Data, Target: t.Data}
		if lk.weights != nil {
			w, err := cropped(up, lk.weights, reg)
			if err != nil {
				return nil, err
			}
			task.Weights = w.Data
		}
		tasks = append(tasks, task)
	}
	res, err := loss.Aggregate(tasks)
	if err != nil {
		return nil, err
	}
	grads := map[string][]float32{}
	for i, lk := range s.loss {
		g := res.Tasks[i].Grad
		if acc, ok := grads[lk.output]; ok {
			for j := range acc {
				acc[j] += g[j]
			}
			continue
		}
		grads[lk.output] = append([]float32(nil), g...)
	}
	pg, err := pass.Backward(grads)
	if err != nil {
		return nil, err
	}
	if err := s.adam.Step(s.model.Params(), pg); err != nil {
		return nil, err
	}
	s.iteration++
	up.Iteration, up.Loss = s.iteration, res.Total
	for name, k := range s.outputs {
		if down.Has(k) {
			up.Set(k, preds[name])
		}
	}
	if s.logger != nil {
		kv := map[string]string{"loss": strconv.FormatFloat(res.Total, 'g', 6, 64)}
		for _, tl := range res.Tasks {
			kv[tl.Name] = strconv.FormatFloat(tl.Loss, 'g', 6, 64)
		}
		s.logger.DebugStart(s.name, "step", s.iteration, up.ID, kv)
	}
	if s.writer != nil && s.opts.SaveEvery > 0 && s.iteration%s.opts.SaveEvery == 0 {
		if err := s.save(ctx); err != nil {
			return nil, err
		}
	}
	return up, nil
}

func cropped(b *contract.Batch, k *contract.ArrayKey, reg contract.Region) (*contract.Array, error) {
	a, err := b.MustGet(k)
	if err != nil {
		return nil, err
	}
	if a.Region == reg {
		return a, nil
	}
	return a.Crop(reg)
}

// save 写检查点；调用方持有 s.mu。
func (s *Stage) save(ctx context.Context) error {
	ck := Checkpoint{
		Model:     s.model.Name(),
		Iteration: s.iteration,
		Params:    append([]float64(nil), s.model.Params()...),
		Adam:      s.adam.State(),
		RunID:     s.logger.CorrID(),
	}
	path, err := saveCheckpoint(ctx, s.writer, s.basename, ck)
	if err != nil {
		return fmt.Errorf("checkpoint at iteration %d: %w", s.iteration, err)
	}
	s.logger.Info(s.name, "checkpoint saved", map[string]string{"path": path, "iteration": strconv.FormatInt(s.iteration, 10)})
	return nil
}

// Open 在启用恢复时载入最新检查点（参数、优化器状态、迭代号）。
func (s *Stage) Open(_ context.Context) error {
	if s.writer == nil || !s.resume {
		return nil
	}
	path, _, err := LatestCheckpoint(s.writer.Root(), s.basename)
	if err != nil || path == "" {
		return err
	}
	ck, err := loadCheckpoint(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	params := s.model.Params()
	if ck.Model != s.model.Name() || len(ck.Params) != len(params) {
		return fmt.Errorf("%w: %s: checkpoint %s is for model %q with %d params, have %q with %d",
			contract.ErrConfig, s.name, path, ck.Model, len(ck.Params), s.model.Name(), len(params))
	}
	if err := s.adam.Restore(ck.Adam); err != nil {
		return err
	}
	copy(params, ck.Params)
	s.iteration = ck.Iteration
	s.logger.Info(s.name, "resumed from checkpoint", map[string]string{"path": path, "iteration": strconv.FormatInt(ck.Iteration, 10)})
	return nil
}

func (s *Stage) Close() error { return nil }
