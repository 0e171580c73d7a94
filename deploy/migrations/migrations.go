package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，供 MySQL 存储在启动时执行。
//
//go:embed *.sql
var Files embed.FS
