package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类（哨兵），统一以 %w 包装后向上传递。
var (
	// ErrConfig: 装配期配置错误（互斥参数、缺失通道、非法尺寸等），构建阶段即失败。
	ErrConfig = errors.New("config error")
	// ErrCoverage: 上游交付的数组未覆盖所请求区域，或请求超出数据源范围。
	ErrCoverage = errors.New("coverage error")
	// ErrInvalidInput: 运行期输入非法（长度不一致、NaN 等）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrSchedulerClosed: 调度器已关闭后继续取用。
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// StageError 标记失败发生的阶段与阶段内的相位（prepare/process/open/close）。
type StageError struct {
	Stage string
	Phase string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s %s: %v", e.Stage, e.Phase, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// WrapStage 以 StageError 包装；err 为 nil 时返回 nil。
// 错误链中已有 StageError 时原样返回，保留最先失败的阶段（内层流水线的错误穿过预取阶段时不被改名）。
func WrapStage(stage, phase string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, Phase: phase, Err: err}
}
