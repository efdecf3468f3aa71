// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、调度、
执行、审批、队列、幂等键与数据库连接。

# 核心类型

  - Collector：指标收集器，实现 workflow.Recorder，可直接挂到
    RiskGate、Executor、Aggregator 与 Scheduler 上。

# 注册

NewCollector 通过 promauto.With 注册到调用方给定的 Registerer，
测试中每个用例使用独立的 prometheus.Registry。

# 主要指标

  - scheduler_rounds_total / scheduler_round_duration_seconds：按 outcome
    （ok、idle、error）分组。
  - scheduler_watchdog_trips_total：看门狗触发次数。
  - step_transitions_total、runs_finished_total。
  - tool_calls_total / tool_call_duration_seconds：按 connector 分组。
  - approval_decisions_total、queue_jobs_total。
*/
package metrics
