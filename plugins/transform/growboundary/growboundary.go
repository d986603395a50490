// Package growboundary 在相邻分割之间腐蚀出背景边界（标签置 0）。
package growboundary

import (
	"context"
	"fmt"

	"lsdtrain/pkg/contract"
)

type Options struct {
	Labels string `json:"labels"`
	// Steps: 每步腐蚀一个体素。默认 1。
	Steps int `json:"steps"`
	// OnlyXY: 只在截面内生长。默认 true。
	OnlyXY *bool `json:"only_xy"`
}

type GrowBoundary struct {
	contract.Passthrough
	name   string
	labels *contract.ArrayKey
	steps  int
	onlyXY bool
}

func New(name string, opts *Options, keys *contract.Keys) (*GrowBoundary, error) {
	if opts == nil {
		opts = &Options{}
	}
	n := opts.Labels
	if n == "" {
		n = "GT_LABELS"
	}
	k, err := keys.Key(n)
	if err != nil {
		return nil, err
	}
	g := &GrowBoundary{name: name, labels: k, steps: opts.Steps, onlyXY: true}
	if g.steps == 0 {
		g.steps = 1
	}
	if g.steps < 0 {
		return nil, fmt.Errorf("%w: %s: steps must be >= 0, got %d", contract.ErrConfig, name, opts.Steps)
	}
	if opts.OnlyXY != nil {
		g.onlyXY = *opts.OnlyXY
	}
	return g, nil
}

func (g *GrowBoundary) Name() string { return g.name }

func (g *GrowBoundary) Setup(up contract.Spec) (contract.Spec, error) {
	if err := contract.RequireKeys(g.name, up, g.labels); err != nil {
		return nil, err
	}
	return up, nil
}

func (g *GrowBoundary) Process(ctx context.Context, up *contract.Batch, _ contract.Request, _ contract.State) (*contract.Batch, error) {
	a, ok := up.Get(g.labels)
	if !ok {
		return up, nil
	}
	cur := a.Clone()
	for s := 0; s < g.steps; s++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur = g.erode(cur)
	}
	up.Set(g.labels, cur)
	return up, nil
}

// erode: 非零体素若有任一（面）邻居标签不同，则置 0。邻居取自上一步结果。
func (g *GrowBoundary) erode(a *contract.Array) *contract.Array {
	out := a.Clone()
	s := a.Shape()
	type off struct{ dz, dy, dx int64 }
	neigh := []off{{0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}
	if !g.onlyXY {
		neigh = append(neigh, off{-1, 0, 0}, off{1, 0, 0})
	}
	for c := 0; c < a.Channels; c++ {
		for z := int64(0); z < s[0]; z++ {
			for y := int64(0); y < s[1]; y++ {
				for x := int64(0); x < s[2]; x++ {
					l := a.At(c, z, y, x)
					if l == 0 {
						continue
					}
					for _, o := range neigh {
						nz, ny, nx := z+o.dz, y+o.dy, x+o.dx
						if nz < 0 || ny < 0 || nx < 0 || nz >= s[0] || ny >= s[1] || nx >= s[2] {
							continue
						}
						if a.At(c, nz, ny, nx) != l {
							out.Set(c, z, y, x, 0)
							break
						}
					}
				}
			}
		}
	}
	return out
}
