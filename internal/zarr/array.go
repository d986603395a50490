package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"lsdtrain/internal/atomicfile"
	"lsdtrain/pkg/contract"
)

// Array: 一个已打开的 zarr 数组。读取走 dir，写入走 w（Create 创建的数组才可写）。
type Array struct {
	Meta  Meta
	Attrs Attrs

	dir   string
	dt    dtype
	codec codec

	w   *atomicfile.Writer
	rel string
}

// Open 打开目录 dir 下的数组（读取 .zarray 与可选的 .zattrs）。
func Open(dir string) (*Array, error) {
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", contract.ErrConfig, filepath.Join(dir, metaFile), err)
	}
	a, err := newArray(m)
	if err != nil {
		return nil, err
	}
	a.dir = dir
	if b, err := os.ReadFile(filepath.Join(dir, attrsFile)); err == nil {
		if err := json.Unmarshal(b, &a.Attrs); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", contract.ErrConfig, filepath.Join(dir, attrsFile), err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return a, nil
}

// Create 在 w 的根目录下 rel 处写出元数据并返回可写数组。
func Create(ctx context.Context, w *atomicfile.Writer, rel string, m Meta, attrs Attrs) (*Array, error) {
	a, err := newArray(m)
	if err != nil {
		return nil, err
	}
	a.Attrs, a.w, a.rel = attrs, w, rel
	a.dir = filepath.Join(w.Root(), filepath.FromSlash(rel))
	mb, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := w.WriteBytes(ctx, path.Join(rel, metaFile), mb); err != nil {
		return nil, err
	}
	ab, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := w.WriteBytes(ctx, path.Join(rel, attrsFile), ab); err != nil {
		return nil, err
	}
	return a, nil
}

// WriteGroup 写出组标记 .zgroup。
func WriteGroup(ctx context.Context, w *atomicfile.Writer, rel string) error {
	return w.WriteBytes(ctx, path.Join(rel, groupFile), []byte(`{"zarr_format": 2}`))
}

func newArray(m Meta) (*Array, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	dt, _ := parseDType(m.DType)
	c, _ := codecFor(m.Compressor)
	return &Array{Meta: m, dt: dt, codec: c}, nil
}

// ReadBox 读取 [begin, begin+shape) 的数据（C 序）；缺失的块以 fill_value 填充。
func (a *Array) ReadBox(begin, shape []int64) ([]float32, error) {
	m := a.Meta
	nd := len(m.Shape)
	if len(begin) != nd || len(shape) != nd {
		return nil, fmt.Errorf("%w: box rank %d/%d, array rank %d", contract.ErrInvalidInput, len(begin), len(shape), nd)
	}
	for i := 0; i < nd; i++ {
		if begin[i] < 0 || shape[i] < 0 || begin[i]+shape[i] > m.Shape[i] {
			return nil, fmt.Errorf("%w: box %v+%v outside array shape %v", contract.ErrCoverage, begin, shape, m.Shape)
		}
	}
	out := make([]float32, prod(shape))
	if len(out) == 0 {
		return out, nil
	}
	if f := m.fill(); f != 0 {
		for i := range out {
			out[i] = f
		}
	}
	end := make([]int64, nd)
	lo := make([]int64, nd)
	hi := make([]int64, nd)
	for i := 0; i < nd; i++ {
		end[i] = begin[i] + shape[i]
		lo[i] = begin[i] / m.Chunks[i]
		hi[i] = (end[i] - 1) / m.Chunks[i]
	}
	chunk := make([]float32, m.chunkLen())
	err := odometer(lo, hi, func(idx []int64) error {
		ok, err := a.readChunk(idx, chunk)
		if err != nil || !ok {
			return err
		}
		origin := make([]int64, nd)
		cb := make([]int64, nd)
		ce := make([]int64, nd)
		for i := 0; i < nd; i++ {
			origin[i] = idx[i] * m.Chunks[i]
			cb[i] = max(begin[i], origin[i])
			ce[i] = min(end[i], origin[i]+m.Chunks[i])
		}
		copyBox(out, shape, begin, chunk, m.Chunks, origin, cb, ce)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WriteAll 按块写出整个数组；data 长度须等于 shape 的体积。
func (a *Array) WriteAll(ctx context.Context, data []float32) error {
	if a.w == nil {
		return fmt.Errorf("%w: zarr array %s opened read-only", contract.ErrInvariantViolation, a.dir)
	}
	m := a.Meta
	if int64(len(data)) != prod(m.Shape) {
		return fmt.Errorf("%w: data length %d, array shape %v", contract.ErrInvalidInput, len(data), m.Shape)
	}
	nd := len(m.Shape)
	lo := make([]int64, nd)
	hi := make([]int64, nd)
	zero := make([]int64, nd)
	for i := 0; i < nd; i++ {
		if m.Shape[i] == 0 {
			return nil
		}
		hi[i] = (m.Shape[i] - 1) / m.Chunks[i]
	}
	chunk := make([]float32, m.chunkLen())
	fill := m.fill()
	return odometer(lo, hi, func(idx []int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range chunk {
			chunk[i] = fill
		}
		origin := make([]int64, nd)
		ce := make([]int64, nd)
		for i := 0; i < nd; i++ {
			origin[i] = idx[i] * m.Chunks[i]
			ce[i] = min(m.Shape[i], origin[i]+m.Chunks[i])
		}
		copyBox(chunk, m.Chunks, origin, data, m.Shape, zero, origin, ce)
		enc, err := a.codec.encode(a.dt.encode(chunk))
		if err != nil {
			return err
		}
		return a.w.WriteBytes(ctx, path.Join(a.rel, m.chunkKey(idx)), enc)
	})
}

func (a *Array) readChunk(idx []int64, out []float32) (bool, error) {
	p := filepath.Join(a.dir, filepath.FromSlash(a.Meta.chunkKey(idx)))
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := a.codec.decode(b)
	if err != nil {
		return false, fmt.Errorf("%s: %w", p, err)
	}
	if err := a.dt.decode(raw, out); err != nil {
		return false, fmt.Errorf("%s: %w", p, err)
	}
	return true, nil
}

// odometer 以 C 序遍历闭区间 [lo, hi] 内的全部整数下标。
func odometer(lo, hi []int64, fn func(idx []int64) error) error {
	nd := len(lo)
	idx := append([]int64(nil), lo...)
	for {
		if err := fn(idx); err != nil {
			return err
		}
		d := nd - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] <= hi[d] {
				break
			}
			idx[d] = lo[d]
		}
		if d < 0 {
			return nil
		}
	}
}

// copyBox 将全局坐标 [cb, ce) 从 src（原点 srcOrigin）拷到 dst（原点 dstOrigin），按末维整行拷贝。
func copyBox(dst []float32, dstShape, dstOrigin []int64, src []float32, srcShape, srcOrigin []int64, cb, ce []int64) {
	nd := len(cb)
	for i := 0; i < nd; i++ {
		if ce[i] <= cb[i] {
			return
		}
	}
	ds, ss := strides(dstShape), strides(srcShape)
	row := int(ce[nd-1] - cb[nd-1])
	if nd == 1 {
		copy(dst[cb[0]-dstOrigin[0]:][:row], src[cb[0]-srcOrigin[0]:][:row])
		return
	}
	hi := make([]int64, nd-1)
	for i := range hi {
		hi[i] = ce[i] - 1
	}
	_ = odometer(cb[:nd-1], hi, func(p []int64) error {
		var di, si int64
		for i, v := range p {
			di += (v - dstOrigin[i]) * ds[i]
			si += (v - srcOrigin[i]) * ss[i]
		}
		di += cb[nd-1] - dstOrigin[nd-1]
		si += cb[nd-1] - srcOrigin[nd-1]
		copy(dst[di:di+int64(row)], src[si:si+int64(row)])
		return nil
	})
}

func strides(shape []int64) []int64 {
	s := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func prod(xs []int64) int64 {
	n := int64(1)
	for _, x := range xs {
		n *= x
	}
	return n
}
