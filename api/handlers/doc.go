// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 Gateflow HTTP API 的请求处理器实现。

# 概述

handlers 包实现 run 提交、审批决定和时间线订阅等端点，以及统一的
响应/错误处理。所有 Handler 均遵循标准 net/http 接口，路由使用
http.ServeMux 的方法 + 路径模式注册。

# 核心类型

  - WorkflowHandler  — run / approval / tool call / 时间线端点
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready, /readyz, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码，透传 Flusher / Hijacker
  - HealthCheck      — 可插拔健康检查接口（PingCheck 覆盖数据库与 Redis）

# 主要能力

  - types.Error 错误码到 HTTP 状态码的映射（NOT_FOUND→404，INVALID_TRANSITION→409 等）
  - Idempotency-Key：同一 key 的重复提交返回第一次创建的 run
  - 审批 decided_by 取认证身份，其次请求体，再次 X-Operator 请求头
  - 时间线：after=N 分页、SSE（支持 Last-Event-ID 续传）与 WebSocket 推送，
    run 终态且事件取尽后发送 end 并关闭
*/
package handlers
