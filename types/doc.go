// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
Package types 提供 gateflow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、persistence、queue、
api 等上层模块提供统一的错误契约。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - NotFound / InvalidTransition — 工作流状态机常用错误构造

# 错误分类

  - NOT_FOUND          — run / step / approval 不存在，不产生任何状态变更
  - INVALID_TRANSITION — 对非 required 审批做决定，或对终态 step 执行操作
  - TOOL_EXECUTION     — 连接器执行失败，由 Executor 的重试策略在本地恢复
  - WATCHDOG_EXCEEDED  — 调度轮次达到上限，run 保持最后一次计算的状态
  - INVALID_PLAN       — 计划的依赖图不是 DAG
*/
package types
