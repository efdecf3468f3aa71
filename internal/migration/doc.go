// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
包 migration 管理 Gateflow 持久层的 Schema 版本，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 文件通过 embed.FS 内嵌在二进制中，建立 runs、steps、
approvals、tool_calls 与 timeline_events 五张表。timeline_events
使用自增主键，作为事件流的单调游标。

# 核心类型

  - Migrator：Up/Down/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：封装 golang-migrate 实例。SQLite 使用纯 Go 的
    modernc 驱动。
  - CLI：面向终端的格式化输出，供 gateflow migrate 子命令使用。
  - NewMigratorFromConfig：从应用配置的 database 段创建迁移器。
*/
package migration
