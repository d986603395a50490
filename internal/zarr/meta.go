// Package zarr 读写 zarr v2 目录存储中的 N 维数组（C 序，无过滤器，raw 或 zstd 压缩块）。
// 数据源按区域读取训练体数据，快照输出 batch_{iteration}.zarr 容器。
package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"lsdtrain/pkg/contract"
)

const (
	metaFile  = ".zarray"
	attrsFile = ".zattrs"
	groupFile = ".zgroup"
)

// Compressor: numcodecs 风格的压缩器描述；nil 表示不压缩。
type Compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// Meta: .zarray 内容。
type Meta struct {
	ZarrFormat         int         `json:"zarr_format"`
	Shape              []int64     `json:"shape"`
	Chunks             []int64     `json:"chunks"`
	DType              string      `json:"dtype"`
	Compressor         *Compressor `json:"compressor"`
	FillValue          *float64    `json:"fill_value"`
	Order              string      `json:"order"`
	Filters            []any       `json:"filters"`
	DimensionSeparator string      `json:"dimension_separator,omitempty"`
}

// Attrs: .zattrs 中的物理坐标约定（对应末三维 z, y, x）。
type Attrs struct {
	Offset     contract.Coordinate `json:"offset"`
	Resolution contract.Coordinate `json:"resolution"`
}

// NewMeta 构造 float32、C 序的元数据；compressor 为空串或 "raw" 时不压缩。
func NewMeta(shape, chunks []int64, compressor string) Meta {
	m := Meta{
		ZarrFormat: 2,
		Shape:      append([]int64(nil), shape...),
		Chunks:     append([]int64(nil), chunks...),
		DType:      "<f4",
		Order:      "C",
	}
	zero := 0.0
	m.FillValue = &zero
	if compressor != "" && compressor != "raw" {
		m.Compressor = &Compressor{ID: compressor}
	}
	return m
}

func (m Meta) Validate() error {
	if m.ZarrFormat != 2 {
		return fmt.Errorf("%w: zarr_format %d unsupported", contract.ErrConfig, m.ZarrFormat)
	}
	if len(m.Shape) == 0 || len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("%w: shape %v and chunks %v disagree", contract.ErrConfig, m.Shape, m.Chunks)
	}
	for i := range m.Shape {
		if m.Shape[i] < 0 || m.Chunks[i] < 1 {
			return fmt.Errorf("%w: bad shape/chunks %v/%v", contract.ErrConfig, m.Shape, m.Chunks)
		}
	}
	if m.Order != "" && m.Order != "C" {
		return fmt.Errorf("%w: order %q unsupported", contract.ErrConfig, m.Order)
	}
	if len(m.Filters) > 0 {
		return fmt.Errorf("%w: filters unsupported", contract.ErrConfig)
	}
	switch m.DimensionSeparator {
	case "", ".", "/":
	default:
		return fmt.Errorf("%w: dimension_separator %q unsupported", contract.ErrConfig, m.DimensionSeparator)
	}
	if _, err := parseDType(m.DType); err != nil {
		return err
	}
	if m.Compressor != nil {
		if _, err := codecFor(m.Compressor); err != nil {
			return err
		}
	}
	return nil
}

func (m Meta) fill() float32 {
	if m.FillValue == nil {
		return 0
	}
	return float32(*m.FillValue)
}

func (m Meta) chunkLen() int64 {
	n := int64(1)
	for _, c := range m.Chunks {
		n *= c
	}
	return n
}

func (m Meta) chunkKey(idx []int64) string {
	sep := m.DimensionSeparator
	if sep == "" {
		sep = "."
	}
	s := ""
	for i, v := range idx {
		if i > 0 {
			s += sep
		}
		s += strconv.FormatInt(v, 10)
	}
	return s
}

// dtype: 字节序 + 种类 + 字节宽度，如 "<f4"、"|u1"、">u8"。
type dtype struct {
	order binary.ByteOrder
	kind  byte
	size  int
}

func parseDType(s string) (dtype, error) {
	bad := fmt.Errorf("%w: dtype %q unsupported", contract.ErrConfig, s)
	if len(s) < 3 {
		return dtype{}, bad
	}
	var d dtype
	switch s[0] {
	case '<', '|':
		d.order = binary.LittleEndian
	case '>':
		d.order = binary.BigEndian
	default:
		return dtype{}, bad
	}
	d.kind = s[1]
	n, err := strconv.Atoi(s[2:])
	if err != nil {
		return dtype{}, bad
	}
	d.size = n
	switch {
	case d.kind == 'f' && (n == 4 || n == 8):
	case (d.kind == 'u' || d.kind == 'i') && (n == 1 || n == 2 || n == 4 || n == 8):
	default:
		return dtype{}, bad
	}
	return d, nil
}

func (d dtype) decode(b []byte, out []float32) error {
	if len(b) != len(out)*d.size {
		return fmt.Errorf("%w: chunk holds %d bytes, want %d", contract.ErrInvalidInput, len(b), len(out)*d.size)
	}
	for i := range out {
		p := b[i*d.size : (i+1)*d.size]
		switch d.kind {
		case 'f':
			if d.size == 4 {
				out[i] = math.Float32frombits(d.order.Uint32(p))
			} else {
				out[i] = float32(math.Float64frombits(d.order.Uint64(p)))
			}
		case 'u':
			out[i] = float32(d.uint(p))
		case 'i':
			out[i] = float32(d.int(p))
		}
	}
	return nil
}

func (d dtype) encode(in []float32) []byte {
	b := make([]byte, len(in)*d.size)
	for i, v := range in {
		p := b[i*d.size : (i+1)*d.size]
		switch d.kind {
		case 'f':
			if d.size == 4 {
				d.order.PutUint32(p, math.Float32bits(v))
			} else {
				d.order.PutUint64(p, math.Float64bits(float64(v)))
			}
		case 'u':
			d.putUint(p, uint64(max(v, 0)))
		case 'i':
			d.putUint(p, uint64(int64(v)))
		}
	}
	return b
}

func (d dtype) uint(p []byte) uint64 {
	switch d.size {
	case 1:
		return uint64(p[0])
	case 2:
		return uint64(d.order.Uint16(p))
	case 4:
		return uint64(d.order.Uint32(p))
	default:
		return d.order.Uint64(p)
	}
}

func (d dtype) int(p []byte) int64 {
	switch d.size {
	case 1:
		return int64(int8(p[0]))
	case 2:
		return int64(int16(d.order.Uint16(p)))
	case 4:
		return int64(int32(d.order.Uint32(p)))
	default:
		return int64(d.order.Uint64(p))
	}
}

func (d dtype) putUint(p []byte, v uint64) {
	switch d.size {
	case 1:
		p[0] = byte(v)
	case 2:
		d.order.PutUint16(p, uint16(v))
	case 4:
		d.order.PutUint32(p, uint32(v))
	default:
		d.order.PutUint64(p, v)
	}
}
