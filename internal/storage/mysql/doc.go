// Package mysql 提供基于 MySQL 的持久化实现：连接池、内嵌迁移，
// 以及账本、雇佣迁移日志、智能体注册表与反馈记录的存储。
package mysql
