package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Terminal: 终端训练进度提示（非日志）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 单行 \r 覆盖；非 TTY: 每 printEvery 次迭代分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	workers    int
	total      int64
	done       int64
	lastLoss   float64
	printEvery int64
	runStart   time.Time

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供训练循环旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled, printEvery: 100}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// SetPrintEvery 设置非 TTY 下的打印间隔（<=0 视为 1）。
func (t *Terminal) SetPrintEvery(n int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 {
		n = 1
	}
	t.printEvery = n
}

// RunStart: 记录运行上下文。
func (t *Terminal) RunStart(workers int, total int64, first int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.workers = workers
	t.total = total
	t.done = first
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] workers=%d | 迭代 %d→%d", workers, first+1, total))
}

// Iteration: 单次迭代完成（TTY 下 ≥100ms 节流）。
func (t *Terminal) Iteration(iter int64, loss float64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.done = iter
	t.lastLoss = loss
	line := fmt.Sprintf("[train] %d/%d | loss %.6f | %s | 用时 %s",
		t.done, t.total, t.lastLoss, t.rate(), formatSince(t.runStart))
	if !t.isTTY {
		if iter%t.printEvery == 0 || iter == t.total {
			t.println(line)
		}
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond && iter != t.total {
		return
	}
	t.lastFlush = now
	t.printInline(line)
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
		t.println("")
	}
	t.println(fmt.Sprintf("[%s] 迭代 %d/%d | loss %.6f | 总用时 %s", tag, t.done, t.total, t.lastLoss, formatDur(dur)))
}

func (t *Terminal) rate() string {
	el := time.Since(t.runStart).Seconds()
	if el <= 0 || t.done == 0 {
		return "-- it/s"
	}
	return fmt.Sprintf("%.2f it/s", float64(t.done)/el)
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 新行比旧行短时以空格覆盖残留
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

func visLen(s string) int { return len([]rune(s)) }

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
