package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Logger 为最小结构化日志器：单行 JSON 输出到轮转文件（失败时回退 stderr）；支持级别过滤。
// nil *Logger 上的所有方法均为 no-op。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入 dir（空则 logs），10m 轮转。
func NewLogger(corrID, level, dir string) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	sink := NewRotatingFile(dir, 10*1024*1024)
	return &Logger{corrID: corrID, level: lvl, sink: sink}
}

// NewStderrLogger 不落盘，直接写 stderr（测试与 --init-config 等场景）。
func NewStderrLogger(corrID, level string) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(strings.TrimSpace(level))}
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Close 关闭文件 sink。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Phase  string            `json:"phase"` // start|finish|error|info
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	Iter   int64             `json:"iteration,omitempty"`
	Seq    int64             `json:"seq,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Phase: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 iteration/seq 的 start。
func (l *Logger) StartWith(comp, msg string, iter, seq int64) *Timer {
	l.log(Info, Event{Comp: comp, Phase: "start", Iter: iter, Seq: seq, Msg: msg})
	return &Timer{l: l, comp: comp, iter: iter, seq: seq, t0: time.Now()}
}

// Info 记录一般信息事件。
func (l *Logger) Info(comp, msg string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Phase: "info", Msg: msg, KV: kv})
}

// Warn 记录可恢复问题（如 sink 写失败）。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Phase: "info", Code: code, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Phase: "error", Code: code, DurMS: dur, Msg: msg})
}

// ErrorWith 支持 iteration/seq。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, iter, seq int64) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Phase: "error", Code: code, DurMS: dur, Msg: msg, Iter: iter, Seq: seq})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l    *Logger
	comp string
	iter int64
	seq  int64
	t0   time.Time
}

// Finish 记录 finish，并把耗时计入默认 Profiler。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	d := time.Since(t.t0)
	ObserveDuration(t.comp, msg, d.Milliseconds())
	t.l.log(Info, Event{Comp: t.comp, Phase: "finish", DurMS: d.Milliseconds(), Count: count, Iter: t.iter, Seq: t.seq, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg string, iter, seq int64, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Phase: "start", Iter: iter, Seq: seq, Msg: msg, KV: kv})
}
