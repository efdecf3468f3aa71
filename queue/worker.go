package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/gateflow/workflow"
)

// =============================================================================
// 📥 Worker
// =============================================================================

// StepExecutor 是 worker 需要的执行能力，*workflow.Executor 满足它
type StepExecutor interface {
	Execute(ctx context.Context, stepID string, args map[string]any) (*workflow.ExecutionResult, error)
}

// WorkerConfig worker 配置
type WorkerConfig struct {
	KeyPrefix   string
	Concurrency int
	// BRPOP 的阻塞时长，决定停止信号的响应延迟
	PollTimeout time.Duration
	ResultTTL   time.Duration
}

// Worker 从 Redis 队列取出 job，调用 Executor 执行并回写结果
type Worker struct {
	client   redis.UniversalClient
	executor StepExecutor
	keys     Keys
	config   WorkerConfig
	recorder Recorder
	logger   *zap.Logger
}

// NewWorker 创建 worker
func NewWorker(client redis.UniversalClient, executor StepExecutor, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	return &Worker{
		client:   client,
		executor: executor,
		keys:     keysFor(cfg.KeyPrefix),
		config:   cfg,
		recorder: nopRecorder{},
		logger:   logger.With(zap.String("component", "queue_worker")),
	}
}

// WithRecorder sets the metrics recorder.
func (w *Worker) WithRecorder(r Recorder) *Worker {
	if r == nil {
		r = nopRecorder{}
	}
	w.recorder = r
	return w
}

// Run 启动 Concurrency 个消费协程，阻塞到 ctx 结束。
// 正在执行的 job 不受 ctx 取消影响，会执行完并回写结果。
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Int("concurrency", w.config.Concurrency),
		zap.String("queue", w.keys.Jobs()))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return w.consume(ctx, id)
		})
	}
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, id int) error {
	logger := w.logger.With(zap.Int("consumer", id))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.ProcessOne(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("process job failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOne 取出并处理一个 job；队列在 PollTimeout 内为空时返回 false
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	res, err := w.client.BRPop(ctx, w.config.PollTimeout, w.keys.Jobs()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pop job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		// 无法解析的 job 没有结果键可回写，只能丢弃
		w.logger.Error("dropping malformed job", zap.String("payload", res[1]), zap.Error(err))
		return true, nil
	}

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("run_id", job.RunID),
		zap.String("step_id", job.StepID))
	logger.Debug("job received")

	bg := context.WithoutCancel(ctx)
	result, execErr := w.executor.Execute(bg, job.StepID, job.Args)
	if execErr != nil {
		logger.Warn("job execution rejected", zap.Error(execErr))
	}

	reply, err := json.Marshal(replyFor(job.ID, result, execErr))
	if err != nil {
		return true, fmt.Errorf("encode reply for job %s: %w", job.ID, err)
	}

	key := w.keys.Result(job.ID)
	pipe := w.client.TxPipeline()
	pipe.LPush(bg, key, reply)
	pipe.Expire(bg, key, w.config.ResultTTL)
	if _, err := pipe.Exec(bg); err != nil {
		return true, fmt.Errorf("publish reply for job %s: %w", job.ID, err)
	}

	if execErr != nil {
		w.recorder.RecordQueueJob("rejected")
	} else {
		w.recorder.RecordQueueJob("executed")
	}
	return true, nil
}
