// Package sink 汇集按迭代周期触发的旁路阶段（快照、性能统计、损失曲线）的共用约定：
// 只在 Iteration > 0 且能被 every 整除时动作；every <= 0 关闭；失败只记录告警，不中止训练。
package sink

// Due 报告第 iteration 次迭代是否应触发。
func Due(iteration, every int64) bool {
	return every > 0 && iteration > 0 && iteration%every == 0
}
