package queue

import (
	"fmt"
	"time"

	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// DefaultKeyPrefix 队列键名前缀
const DefaultKeyPrefix = "gateflow"

// Job 是入队的一次 step 执行请求
type Job struct {
	ID         string         `json:"job_id"`
	RunID      string         `json:"run_id"`
	StepID     string         `json:"step_id"`
	Attempt    int            `json:"attempt"`
	Args       map[string]any `json:"args,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Reply 是 worker 回写的执行结果。Result 与 Code 二选一。
type Reply struct {
	JobID   string                    `json:"job_id"`
	Result  *workflow.ExecutionResult `json:"result,omitempty"`
	Code    types.ErrorCode           `json:"code,omitempty"`
	Message string                    `json:"message,omitempty"`
}

func (r *Reply) err() error {
	if r.Code == "" {
		return nil
	}
	return types.NewError(r.Code, r.Message)
}

func replyFor(jobID string, result *workflow.ExecutionResult, err error) *Reply {
	reply := &Reply{JobID: jobID, Result: result}
	if err == nil {
		return reply
	}
	reply.Result = nil
	if e, ok := types.AsError(err); ok {
		reply.Code = e.Code
		reply.Message = e.Message
		if e.Cause != nil {
			reply.Message += ": " + e.Cause.Error()
		}
		return reply
	}
	reply.Code = types.ErrInternalError
	reply.Message = err.Error()
	return reply
}

// jobID 由 step 与下一次 attempt 决定，同一次尝试重复派发只入队一次
func jobID(step *workflow.Step) string {
	return fmt.Sprintf("%s:%d", step.ID, step.Attempt+1)
}

// Keys Redis 键名
type Keys struct {
	Prefix string
}

// Jobs 待执行队列
func (k Keys) Jobs() string { return k.Prefix + ":jobs" }

// Marker 标记某个 job 已入队
func (k Keys) Marker(jobID string) string { return k.Prefix + ":job:" + jobID }

// Result 单个 job 的结果列表
func (k Keys) Result(jobID string) string { return k.Prefix + ":result:" + jobID }

func keysFor(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return Keys{Prefix: prefix}
}

// Recorder 接收队列事件；internal/metrics.Collector 实现了它
type Recorder interface {
	RecordQueueJob(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordQueueJob(string) {}
