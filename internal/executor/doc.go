// Package executor 驱动一次执行的完整生命周期：适配器提案、预检策略评估、
// 可选的证明包装、user operation 组装、代付、签名、提交与回执轮询。
//
// 生命周期只在内存中推进，终态写入执行日志；除回执轮询外不做任何静默重试。
package executor
