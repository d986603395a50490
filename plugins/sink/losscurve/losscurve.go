// Package losscurve 记录每次迭代的损失，并周期性地把曲线（含滑动平均）绘制为 PNG。
package losscurve

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"strconv"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"lsdtrain/internal/atomicfile"
	"lsdtrain/internal/diag"
	"lsdtrain/pkg/contract"
	"lsdtrain/plugins/sink"
)

type Options struct {
	Every int64 `json:"every"`
	// Dir/Filename: 输出位置，默认 plots/loss.png（每次覆盖）。
	Dir      string `json:"dir"`
	Filename string `json:"filename"`
	// Window: 滑动平均窗口，默认 50；<=1 不绘制平均线。
	Window int `json:"window"`
}

type LossCurve struct {
	contract.Passthrough
	name     string
	every    int64
	filename string
	window   int
	writer   *atomicfile.Writer
	logger   *diag.Logger

	mu     sync.Mutex
	points plotter.XYs
}

func New(name string, opts *Options, logger *diag.Logger) (*LossCurve, error) {
	if opts == nil {
		opts = &Options{}
	}
	l := &LossCurve{name: name, every: opts.Every, filename: opts.Filename, window: opts.Window, logger: logger}
	dir := opts.Dir
	if dir == "" {
		dir = "plots"
	}
	if l.filename == "" {
		l.filename = "loss.png"
	}
	if opts.Window == 0 {
		l.window = 50
	}
	w, err := atomicfile.New(&atomicfile.Options{Root: dir})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", contract.ErrConfig, name, err)
	}
	l.writer = w
	return l, nil
}

func (l *LossCurve) Name() string { return l.name }

func (l *LossCurve) Process(ctx context.Context, up *contract.Batch, _ contract.Request, _ contract.State) (*contract.Batch, error) {
	if up.Iteration <= 0 {
		return up, nil
	}
	l.mu.Lock()
	l.points = append(l.points, plotter.XY{X: float64(up.Iteration), Y: up.Loss})
	pts := append(plotter.XYs(nil), l.points...)
	l.mu.Unlock()
	if !sink.Due(up.Iteration, l.every) {
		return up, nil
	}
	png, err := Render(pts, l.window)
	if err == nil {
		err = l.writer.WriteBytes(ctx, l.filename, png)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := diag.Classify(err)
		diag.IncError(l.name, string(code))
		l.logger.Warn(l.name, string(code), "loss curve failed: "+err.Error(), nil)
		return up, nil
	}
	l.logger.Info(l.name, "loss curve written", map[string]string{
		"iteration": strconv.FormatInt(up.Iteration, 10),
		"points":    strconv.Itoa(len(pts)),
	})
	return up, nil
}

// Render 绘制损失曲线并编码为 PNG。
func Render(pts plotter.XYs, window int) ([]byte, error) {
	if len(pts) == 0 {
		return nil, fmt.Errorf("%w: no loss points", contract.ErrInvalidInput)
	}
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = color.RGBA{R: 120, G: 120, B: 120, A: 160}
	line.Width = vg.Points(0.8)
	p.Add(line)
	p.Legend.Add("loss", line)

	if window > 1 && len(pts) >= window {
		avg, err := plotter.NewLine(MovingAverage(pts, window))
		if err != nil {
			return nil, err
		}
		avg.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
		avg.Width = vg.Points(1.6)
		p.Add(avg)
		p.Legend.Add(fmt.Sprintf("mean (%d)", window), avg)
	}

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MovingAverage 返回窗口内 Y 的均值序列（X 取窗口末点）。
func MovingAverage(pts plotter.XYs, window int) plotter.XYs {
	if window < 1 || len(pts) < window {
		return nil
	}
	ys := make([]float64, len(pts))
	for i, p := range pts {
		ys[i] = p.Y
	}
	out := make(plotter.XYs, 0, len(pts)-window+1)
	for i := window; i <= len(pts); i++ {
		out = append(out, plotter.XY{X: pts[i-1].X, Y: stat.Mean(ys[i-window:i], nil)})
	}
	return out
}
