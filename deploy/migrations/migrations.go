package migrations

import "embed"

// Files 暴露审计日志与异步任务存储使用的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
