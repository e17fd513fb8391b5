// Package mysql 提供 MySQL 连接池配置与基于嵌入式 SQL 文件的 schema 迁移。
// 作业存储等上层仓库通过 Open 获取连接，并在启动时调用 Migrate。
package mysql
