// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
Package main 提供 Gateflow 服务端程序入口。

# 概述

cmd/gateflow 提供 HTTP API + 调度器、Redis 队列 worker、数据库迁移、
健康检查和版本查询等子命令。配置来自 YAML 文件与 GATEFLOW_ 前缀的
环境变量，日志使用 zap，指标在独立端口以 Prometheus 格式暴露。

# 核心类型

  - Server      — 组装存储、Redis、风险闸门、调度器与 HTTP / Metrics 双端口
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、worker、migrate（up/down/status/version/goto/force/reset）、
    health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、
    RequestLogger、RateLimiter（基于 IP）、APIKeyAuth、JWTAuth（HS256）
  - 启动时按配置执行 migrate up，并为未结束的 run 恢复调度循环
  - queue.enabled 时 step 经 Redis 派发给 worker，否则在进程内执行
  - 优雅关闭：信号 → 关闭 HTTP → 停止调度循环 → 关闭 Metrics → 释放连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
