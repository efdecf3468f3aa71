package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

// =============================================================================
// 📤 RedisDispatcher
// =============================================================================

// DispatcherConfig 派发端配置
type DispatcherConfig struct {
	KeyPrefix string
	// 等待 worker 回写结果的最长时间；go-redis 的阻塞命令最小粒度为 1s
	ResultTimeout time.Duration
	// 入队标记与结果列表的过期时间
	ResultTTL time.Duration
}

// RedisDispatcher 把 step 推入 Redis 队列并阻塞等待 worker 回写结果，
// 实现 workflow.Dispatcher。
type RedisDispatcher struct {
	client   redis.UniversalClient
	keys     Keys
	config   DispatcherConfig
	recorder Recorder
	logger   *zap.Logger
}

var _ workflow.Dispatcher = (*RedisDispatcher)(nil)

// NewRedisDispatcher 创建派发器
func NewRedisDispatcher(client redis.UniversalClient, cfg DispatcherConfig, logger *zap.Logger) *RedisDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = 5 * time.Minute
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	return &RedisDispatcher{
		client:   client,
		keys:     keysFor(cfg.KeyPrefix),
		config:   cfg,
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "queue_dispatcher")),
	}
}

// WithRecorder sets the metrics recorder.
func (d *RedisDispatcher) WithRecorder(r Recorder) *RedisDispatcher {
	if r == nil {
		r = nopRecorder{}
	}
	d.recorder = r
	return d
}

// Dispatch implements workflow.Dispatcher.
//
// 同一 step 的同一次尝试只入队一次：超时后下一轮再次派发时只会重新等待结果。
func (d *RedisDispatcher) Dispatch(ctx context.Context, step *workflow.Step) (*workflow.ExecutionResult, error) {
	job := &Job{
		ID:         jobID(step),
		RunID:      step.RunID,
		StepID:     step.ID,
		Attempt:    step.Attempt + 1,
		Args:       step.Args,
		EnqueuedAt: time.Now().UTC(),
	}
	logger := d.logger.With(zap.String("job_id", job.ID), zap.String("run_id", step.RunID))

	if err := d.enqueue(ctx, job); err != nil {
		return nil, err
	}

	res, err := d.client.BLPop(ctx, d.config.ResultTimeout, d.keys.Result(job.ID)).Result()
	if errors.Is(err, redis.Nil) {
		d.recorder.RecordQueueJob("timeout")
		logger.Warn("no result before timeout", zap.Duration("timeout", d.config.ResultTimeout))
		return nil, types.Errorf(types.ErrTimeout, "job %s: no result after %s", job.ID, d.config.ResultTimeout).
			WithRetryable(true)
	}
	if err != nil {
		return nil, fmt.Errorf("await job %s: %w", job.ID, err)
	}
	// BLPOP 返回 [key, value]
	var reply Reply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("decode reply for job %s: %w", job.ID, err)
	}
	if err := reply.err(); err != nil {
		d.recorder.RecordQueueJob("failed")
		return nil, err
	}
	d.recorder.RecordQueueJob("completed")
	return reply.Result, nil
}

func (d *RedisDispatcher) enqueue(ctx context.Context, job *Job) error {
	fresh, err := d.client.SetNX(ctx, d.keys.Marker(job.ID), job.EnqueuedAt.Format(time.RFC3339Nano), d.config.ResultTTL).Result()
	if err != nil {
		return fmt.Errorf("mark job %s: %w", job.ID, err)
	}
	if !fresh {
		d.logger.Debug("job already enqueued, awaiting result", zap.String("job_id", job.ID))
		return nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := d.client.LPush(ctx, d.keys.Jobs(), payload).Err(); err != nil {
		// 标记不删除会让下一轮只等待、永不入队
		_ = d.client.Del(ctx, d.keys.Marker(job.ID)).Err()
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	d.recorder.RecordQueueJob("enqueued")
	d.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("step_id", job.StepID))
	return nil
}
