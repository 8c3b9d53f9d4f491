// Package auth 为 guardd 的 REST 接口提供运维令牌认证。令牌只以 SHA-256
// 摘要形式出现在配置中，GET 请求需要 read 权限，其余方法需要 write 权限。
package auth
