package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	cfgpkg "lsdtrain/internal/config"
	"lsdtrain/internal/diag"
	"lsdtrain/internal/train"
)

var trainRun = train.Run

// 简化的 CLI：唯一动作为训练。
// 全局旗标（最小集）：--config, --max-iterations, --seed, --log-level, --log-dir, --init-config, --format, --status
// 退出码：0 成功；1 运行期失败；3 配置失败。
func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	// 先占位 stderr logger，解析/合并配置后按最终 level 重建落盘 logger
	logger := diag.NewStderrLogger(corrID, "info")
	var (
		flagConfig   string
		flagMaxIter  int64
		flagSeed     int64
		flagLogLevel string
		flagLogDir   string
		flagInitDir  string
		flagFormat   string
		flagStatus   bool
	)
	flag.StringVar(&flagConfig, "config", "", "配置文件路径（.json/.yaml/.yml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	flag.Int64Var(&flagMaxIter, "max-iterations", 0, "训练迭代次数（覆盖配置）")
	flag.Int64Var(&flagSeed, "seed", 0, "随机种子（覆盖配置）")
	flag.StringVar(&flagLogLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	flag.StringVar(&flagLogDir, "log-dir", "logs", "日志目录")
	flag.StringVar(&flagInitDir, "init-config", "", "在指定目录生成默认配置和 .env 模板（若已存在则失败，不覆盖）；不带值时默认当前目录")
	flag.StringVar(&flagFormat, "format", "json", "--init-config 生成的配置格式：json|yaml")
	flag.BoolVar(&flagStatus, "status", true, "终端进度提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	normalizeInitArg()
	flag.Parse()

	if rest := flag.Args(); len(rest) > 0 {
		fprintf(os.Stderr, "未知参数: %s\n", strings.Join(rest, " "))
		return 3
	}

	// --init-config: 生成模板并退出
	if initDir := strings.TrimSpace(flagInitDir); initDir != "" {
		if err := initConfig(initDir, flagFormat); err != nil {
			fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
			logger.Error("cmd", string(diag.Classify(err)), "init config: "+err.Error(), &start)
			return 3
		}
		return 0
	}

	cfg, err := loadConfig(flagConfig)
	if err != nil {
		fprintf(os.Stderr, "配置解析失败: %v\n", err)
		logger.Error("cmd", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	// CLI 覆盖
	var overCLI cfgpkg.Config
	overCLI.MaxIterations = flagMaxIter
	overCLI.Seed = flagSeed
	overCLI.Logging.Level = flagLogLevel
	cfg = cfgpkg.Merge(cfg, overCLI)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(cfg)
		logger.Error("cmd", string(diag.Classify(err)), "first error", &start)
		return 3
	}

	logger = diag.NewLogger(corrID, cfg.Logging.Level, flagLogDir)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), stopSignals...)
	defer stop()

	asm, err := cfgpkg.Assemble(cfg, logger, os.Stderr)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("cmd", string(diag.Classify(err)), "assemble: "+err.Error(), &start)
		return 3
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	names := make([]string, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		names = append(names, s.EffName())
	}
	g := cfg.Geometry
	logger.DebugStart("config", "effective", 0, 0, map[string]string{
		"seed":           strconv.FormatInt(cfg.Seed, 10),
		"max_iterations": strconv.FormatInt(cfg.MaxIterations, 10),
		"voxel_size":     fmt.Sprint(g.VoxelSize),
		"input_shape":    fmt.Sprint(g.InputShape),
		"output_shape":   fmt.Sprint(g.OutputShape),
		"request":        asm.Request.String(),
		"stages":         strings.Join(names, ","),
	})

	t := logger.Start("cmd", "run")
	sum, err := trainRun(ctx, asm.Pipeline, asm.Request, train.RunOptions{
		MaxIterations: cfg.MaxIterations,
		Logger:        logger,
		Workers:       asm.Workers,
	})
	if err != nil {
		// 错误已由驱动记录；此处只决定退出码
		code := diag.Classify(err)
		diag.IncOp("cmd", "run", "error")
		diag.IncError("cmd", string(code))
		switch code {
		case diag.CodeCancel:
			fprintf(os.Stderr, "已取消（第 %d 次迭代）\n", sum.LastIteration)
			return 1
		case diag.CodeConfig:
			fprintf(os.Stderr, "配置失败: %v\n", err)
			return 3
		default:
			fprintf(os.Stderr, "运行失败: %v\n", err)
			return 1
		}
	}
	t.Finish("run", sum.Batches)
	diag.IncOp("cmd", "finish", "success")
	diag.ObserveDuration("cmd", "finish", time.Since(start).Milliseconds())
	return 0
}

// loadConfig: 默认值 ← 文件/LSD_TRAIN_CONFIG_JSON ← 环境变量覆盖。
func loadConfig(path string) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()
	var raw []byte
	if s := os.Getenv("LSD_TRAIN_CONFIG_JSON"); s != "" {
		raw = []byte(s)
	}
	if path == "" {
		path = os.Getenv("LSD_TRAIN_CONFIG_FILE")
	}
	// 默认读取工作目录下 config.json / config.yaml（若存在）
	if path == "" && len(raw) == 0 {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	var (
		base cfgpkg.Config
		err  error
	)
	switch {
	case len(raw) > 0:
		base, err = cfgpkg.LoadJSON("", raw)
	case path != "":
		base, err = cfgpkg.Load(path)
	default:
		return cfg, fmt.Errorf("no config: pass --config or run --init-config first")
	}
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, base)

	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	return cfgpkg.Merge(cfg, over), nil
}

func initConfig(dir, format string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg := cfgpkg.DefaultTemplateConfig()
	var (
		b    []byte
		name string
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		name = "config.json"
		b, err = json.MarshalIndent(cfg, "", "  ")
	case "yaml", "yml":
		name = "config.yaml"
		b, err = cfgpkg.TemplateYAML(cfg)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return err
	}
	if err := writeNew(filepath.Join(dir, name), b); err != nil {
		return err
	}
	// .env 生成失败只提示
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return nil
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

// writeNew 写出新文件；path 为 "-" 时写 stdout。已存在则失败。
func writeNew(path string, b []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(append(b, '\n'))
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return err
	}
	if len(b) > 0 && b[len(b)-1] != '\n' {
		_, _ = f.Write([]byte("\n"))
	}
	return nil
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 为左侧去空白；value 去首尾空白；
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义 \n/\t/\\/\" 作最小处理。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		r := strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`)
		val = r.Replace(val)
	}
	return val
}

// normalizeInitArg: 允许 --init-config 在未提供路径值时采用默认值当前目录 "."。
// 兼容以下形式：
//
//	--init-config                => 等价于 --init-config .
//	--init-config=out
//	--init-config out
func normalizeInitArg() {
	args := os.Args
	if len(args) <= 1 {
		return
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0])
	for i := 1; i < len(args); i++ {
		a := args[i]
		out = append(out, a)
		if a == "--init-config" || a == "-init-config" {
			if i == len(args)-1 || strings.HasPrefix(args[i+1], "-") {
				out = append(out, ".")
			}
		}
	}
	os.Args = out
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	var b strings.Builder
	b.WriteString("# lsdtrain .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("LSD_TRAIN_CONFIG_FILE=\n")
	b.WriteString("LSD_TRAIN_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	b.WriteString("LSD_TRAIN_SEED=\n")
	b.WriteString("LSD_TRAIN_MAX_ITERATIONS=\n")
	b.WriteString("LSD_TRAIN_LOG_LEVEL=\n\n")

	b.WriteString("# 几何（z,y,x）\n")
	b.WriteString("LSD_TRAIN_VOXEL_SIZE=\n")
	b.WriteString("LSD_TRAIN_INPUT_SHAPE=\n")
	b.WriteString("LSD_TRAIN_OUTPUT_SHAPE=\n\n")

	b.WriteString("# 阶段选项整体替换（原样 JSON）\n")
	b.WriteString("LSD_TRAIN_STAGE__snapshot__OPTIONS_JSON=\n")
	b.WriteString("LSD_TRAIN_STAGE__precache__OPTIONS_JSON=\n")
	return writeNew(path, []byte(b.String()))
}
