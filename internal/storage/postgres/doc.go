// Package postgres 提供基于 pgx 连接池的账本存储，表结构在打开时自动创建。
package postgres
