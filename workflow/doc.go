// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
Package workflow 实现带风险审批闸门的 DAG 工作流调度核心。

# 概述

一个 Run 由若干 Step 组成，Step 之间的依赖构成有向无环图。调度循环按轮次
推进：解析就绪 step → 风险闸门分类 → 派发执行 → 聚合 run 状态，直到 run
进入终态或触发轮次看门狗。审批决定（approve / reject）从带外到达，
通过对 Approval 状态的 CAS 保证至多生效一次。

# 核心类型

  - Plan / StepSpec   — 计划模型，Validate 在落库前拒绝非 DAG 的计划
  - Resolver          — ReadySteps：依赖全部 succeeded 的 pending step
  - RiskGate          — Process / Approve / Reject，拥有 Approval 生命周期
  - Executor          — 单次尝试执行、重试策略、ToolCall 审计
  - Aggregator        — Aggregate 纯函数 + Recompute 持久化
  - Scheduler         — Round / Run / Start / Notify / Stop，每个 run 串行
  - Orchestrator      — Submit / Realize / Cancel
  - Registry          — 工具标识 → Connector，未注册时回退 GenericConnector
  - Dispatcher        — 直接调用或经队列的 enqueue-and-await

# 持久化

核心只依赖 Repository 接口。MemoryRepository 用于测试与单进程部署，
persistence 包提供基于 gorm 的实现。所有状态变更与其时间线事件在同一个
Transact 中提交，读者不会先看到事件后看到状态。
*/
package workflow
