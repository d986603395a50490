// Package atomicfile 将文件写入输出根目录：同目录临时文件 + 替换，检查点与快照元数据共用。
package atomicfile

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathInvalid: 相对路径为空、为绝对路径或逃出根目录。
var ErrPathInvalid = errors.New("atomicfile: invalid path")

// Options: 最小必要选项。
type Options struct {
	// Root: 输出根目录（必需）。
	Root string `json:"root"`
	// Atomic: 是否使用原子替换。默认 true；显式 false 直接覆盖写。
	Atomic *bool `json:"atomic,omitempty"`
	// PermFile/PermDir: 为 0 表示使用默认 0644/0755。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用 64KiB。
	BufSize int `json:"buf_size,omitempty"`
}

type Writer struct {
	root    string
	atomic  bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

// New 创建写入器。
func New(opts *Options) (*Writer, error) {
	if opts == nil || strings.TrimSpace(opts.Root) == "" {
		return nil, os.ErrInvalid
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 64 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &Writer{root: opts.Root, atomic: atomic, permF: pf, permD: pd, bufSize: bsz}, nil
}

func (w *Writer) Root() string { return w.root }

// Write 将 r 的全部字节写到 root/rel。
func (w *Writer) Write(ctx context.Context, rel string, r io.Reader) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	dest, err := w.mapPath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permD); err != nil {
		return err
	}
	if w.atomic {
		return w.writeAtomic(ctx, dest, r)
	}
	return w.writeOverwrite(ctx, dest, r)
}

// WriteBytes 同 Write。
func (w *Writer) WriteBytes(ctx context.Context, rel string, b []byte) error {
	return w.Write(ctx, rel, bytes.NewReader(b))
}

// mapPath: Clean + Join + 越界校验。
func (w *Writer) mapPath(rel string) (string, error) {
	rel = filepath.Clean(rel)
	if rel == "." || rel == "" {
		return "", ErrPathInvalid
	}
	if filepath.IsAbs(rel) {
		return "", ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathInvalid
	}
	if vol := filepath.VolumeName(rel); vol != "" {
		return "", ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

func (w *Writer) writeOverwrite(ctx context.Context, dest string, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *Writer) writeAtomic(ctx context.Context, dest string, r io.Reader) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = os.Chmod(tmpPath, w.permF)

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	bw := bufio.NewWriterSize(tmp, w.bufSize)
	if _, err := io.Copy(bw, readerWithCtx(ctx, r)); err != nil {
		_ = bw.Flush()
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := osReplace(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 最佳努力：同步父目录元数据
	_ = syncDir(dir)
	return nil
}

// ReplaceDir 将已写完的临时目录整体换到 dest（dest 已存在时先移除）。
func ReplaceDir(tmpDir, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.Rename(tmpDir, dest); err != nil {
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
