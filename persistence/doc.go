// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
包 persistence 提供 workflow.Repository 的关系型实现与存储工厂。

GormRepository 基于 GORM，支持 PostgreSQL、MySQL 与 SQLite：

  - Transact 使用数据库事务，配合连接池时在死锁与序列化失败时整体重试；
  - SwapApproval 以带状态条件的 UPDATE 实现审批的比较并交换；
  - 事件 ID 取自 timeline_events 的自增主键。

Open 根据 config.DatabaseConfig.Driver 在内存实现与 GormRepository 之间选择。
*/
package persistence
