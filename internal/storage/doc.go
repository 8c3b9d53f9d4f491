// Package storage 定义 guardd 的键值记录存储：适配器安装、策略集合与执行日志。
// 内存实现以 JSON Lines 追加日志落盘，重启后按顺序回放；MySQL 实现位于
// storage/mysql 子包。
package storage
