// Package scaleshift 对单个通道做仿射强度变换 a*scale + shift（含按因子归一化）。
package scaleshift

import (
	"context"
	"fmt"
	"math"

	"lsdtrain/pkg/contract"
)

type Options struct {
	Key   string  `json:"key"`
	Scale float64 `json:"scale"`
	Shift float64 `json:"shift"`
}

// NormalizeOptions: Factor 为 0 时取 1/255（uint8 原始数据）。
type NormalizeOptions struct {
	Key    string  `json:"key"`
	Factor float64 `json:"factor"`
}

type ScaleShift struct {
	contract.Passthrough
	name  string
	key   *contract.ArrayKey
	scale float32
	shift float32
}

func New(name string, opts *Options, keys *contract.Keys) (*ScaleShift, error) {
	if opts == nil || opts.Key == "" {
		return nil, fmt.Errorf("%w: %s: key is required", contract.ErrConfig, name)
	}
	if math.IsNaN(opts.Scale) || math.IsNaN(opts.Shift) {
		return nil, fmt.Errorf("%w: %s: scale/shift must be numbers", contract.ErrConfig, name)
	}
	k, err := keys.Key(opts.Key)
	if err != nil {
		return nil, err
	}
	return &ScaleShift{name: name, key: k, scale: float32(opts.Scale), shift: float32(opts.Shift)}, nil
}

// NewNormalize 即 shift 为 0 的 ScaleShift。
func NewNormalize(name string, opts *NormalizeOptions, keys *contract.Keys) (*ScaleShift, error) {
	if opts == nil {
		opts = &NormalizeOptions{}
	}
	f := opts.Factor
	if f == 0 {
		f = 1.0 / 255
	}
	return New(name, &Options{Key: opts.Key, Scale: f}, keys)
}

func (s *ScaleShift) Name() string { return s.name }

func (s *ScaleShift) Setup(up contract.Spec) (contract.Spec, error) {
	if err := contract.RequireKeys(s.name, up, s.key); err != nil {
		return nil, err
	}
	return up, nil
}

func (s *ScaleShift) Process(_ context.Context, up *contract.Batch, _ contract.Request, _ contract.State) (*contract.Batch, error) {
	a, ok := up.Get(s.key)
	if !ok {
		return up, nil
	}
	out := a.Clone()
	for i, v := range out.Data {
		out.Data[i] = v*s.scale + s.shift
	}
	up.Set(s.key, out)
	return up, nil
}
