// Package signals 负责采集策略引擎读取的外部信号（gas 价格、赎回遥测等）。
// 采集失败的信号不会出现在快照中，由规则自行决定 fail-open 或 fail-closed。
package signals
