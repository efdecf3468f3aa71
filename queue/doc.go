// Copyright (c) Gateflow Authors.
// Licensed under the MIT License.

/*
包 queue 用 Redis 列表把 step 执行分发到独立的 worker 进程。

# 数据流

  - RedisDispatcher.Dispatch：SETNX 写入 job 标记后 LPUSH 到
    <prefix>:jobs，再 BLPOP <prefix>:result:<job_id> 等待结果。
  - Worker：BRPOP <prefix>:jobs，调用 Executor.Execute，
    把 Reply LPUSH 到结果键并设置过期时间。

job_id 由 step id 与下一次 attempt 组成，超时后重复派发同一次尝试
不会重复入队。工具失败作为 ExecutionResult 返回；执行前置条件失败
（例如 step 已是终态）以错误码的形式回传给派发端。
*/
package queue
