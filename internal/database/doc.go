// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
包 database 负责打开 GORM 连接并管理连接池。

# 核心类型

  - Open / Dialector：按 config.DatabaseConfig.Driver 选择 postgres、
    mysql 或 sqlite 方言并打开连接。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、Stats、
    Close 以及后台健康检查。
  - WithTransactionRetry：死锁、序列化失败、SQLite 忙等错误时按
    指数退避重试事务，persistence 包的 Transact 基于它实现。
*/
package database
