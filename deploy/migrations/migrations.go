package migrations

import "embed"

// Files 内嵌调用记录与策略计数器的全部 SQL 迁移文件，
// 由 MySQL 存储在初始化时按版本应用。
//
//go:embed *.sql
var Files embed.FS
