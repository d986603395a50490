package atomicfile

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func noTmpLeft(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("tmp file not cleaned: %s", e.Name())
		}
	}
}

// TestWriteAtomic 原子写入，目标已存在时替换
func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{Root: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := w.WriteBytes(ctx, "ckpt/model_1.json", []byte("v1")); err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if err := w.Write(ctx, "ckpt/model_1.json", bytes.NewBufferString("v2")); err != nil {
		t.Fatalf("write v2: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "ckpt", "model_1.json"))
	if err != nil || string(b) != "v2" {
		t.Fatalf("unexpected file %v %q", err, string(b))
	}
	noTmpLeft(t, filepath.Join(dir, "ckpt"))
}

// TestWritePathInvalid 路径越界
func TestWritePathInvalid(t *testing.T) {
	w, _ := New(&Options{Root: t.TempDir()})
	for _, rel := range []string{"../bad", "..", ".", ""} {
		if err := w.Write(context.Background(), rel, bytes.NewBufferString("x")); !errors.Is(err, ErrPathInvalid) {
			t.Fatalf("%q: expect path invalid, got %v", rel, err)
		}
	}
}

// TestWriteNonAtomic 非原子写入
func TestWriteNonAtomic(t *testing.T) {
	dir := t.TempDir()
	off := false
	w, _ := New(&Options{Root: dir, Atomic: &off})
	if err := w.WriteBytes(context.Background(), "sub/out.txt", []byte("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sub", "out.txt")); err != nil {
		t.Fatalf("file not created")
	}
}

// TestWriteCtxCancel 上下文取消
func TestWriteCtxCancel(t *testing.T) {
	w, _ := New(&Options{Root: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Write(ctx, "a.txt", strings.NewReader("data")); err == nil {
		t.Fatalf("expect ctx error")
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expect error for nil opts")
	}
	if _, err := New(&Options{}); err == nil {
		t.Fatalf("expect error for empty root")
	}
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

// TestWriteAtomicCopyError 拷贝失败不留临时文件
func TestWriteAtomicCopyError(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{Root: dir})
	if err := w.Write(context.Background(), "a.txt", errReader{}); err == nil {
		t.Fatalf("expect copy error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("temp files left %v", entries)
	}
}

func TestReplaceDir(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "batch_1.zarr")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(dest, "old"), []byte("x"), 0o644)
	tmp, err := os.MkdirTemp(root, ".tmp-*")
	if err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(tmp, "new"), []byte("y"), 0o644)
	if err := ReplaceDir(tmp, dest); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "old")); !os.IsNotExist(err) {
		t.Fatalf("旧内容应被替换: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "new")); err != nil {
		t.Fatalf("新内容缺失: %v", err)
	}
	noTmpLeft(t, root)
}

func TestReaderWithCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := readerWithCtx(ctx, strings.NewReader("data"))
	cancel()
	if _, err := r.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expect ctx error")
	}
}
