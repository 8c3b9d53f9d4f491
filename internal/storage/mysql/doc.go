// Package mysql 提供基于 MySQL 的记录存储实现，负责连接池、内嵌迁移以及
// 安装、策略集合与执行日志的读写。执行任务表由 task 包复用同一套迁移。
package mysql
