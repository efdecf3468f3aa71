package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/types"
)

// DefaultMaxAttempts is the total number of tries a step gets, the first
// one included.
const DefaultMaxAttempts = 3

// ExecutionResult is the outcome of one Executor.Execute call.
type ExecutionResult struct {
	StepID    string         `json:"step_id"`
	Attempt   int            `json:"attempt"`
	State     StepState      `json:"state"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	WillRetry bool           `json:"will_retry"`
}

// Err returns the tool failure as a retryable TOOL_EXECUTION error, or nil.
func (r *ExecutionResult) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return types.Errorf(types.ErrToolExecution, "step %s attempt %d: %s", r.StepID, r.Attempt, r.Error).
		WithRetryable(r.WillRetry)
}

// Executor invokes the connector for a step, applies the retry policy and
// appends the audit trail.
type Executor struct {
	repo        Repository
	registry    *Registry
	maxAttempts int
	recorder    Recorder
	logger      *zap.Logger
}

// NewExecutor creates an executor. maxAttempts <= 0 means DefaultMaxAttempts.
func NewExecutor(repo Repository, registry *Registry, maxAttempts int, logger *zap.Logger) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		repo:        repo,
		registry:    registry,
		maxAttempts: maxAttempts,
		recorder:    nopRecorder{},
		logger:      logger.With(zap.String("component", "executor")),
	}
}

// WithRecorder sets the metrics recorder.
func (e *Executor) WithRecorder(r Recorder) *Executor {
	e.recorder = recorderOrNop(r)
	return e
}

// MaxAttempts returns the configured attempt bound.
func (e *Executor) MaxAttempts() int { return e.maxAttempts }

// Execute runs one attempt of a ready step. nil args means the step's stored
// args.
//
// 执行顺序固定：
//  1. step ready → running，attempt 加一（先提交）
//  2. 调用连接器，未注册的工具走 GenericConnector
//  3. 无论成败都追加一条 ToolCall 审计记录
//  4. 成功：step → succeeded，result_ref 保存结果
//  5. 失败：attempt 达到上限则 → failed，否则退回 pending 等待下一轮重新解析；
//     run 已取消时不再重试，step → skipped
//
// Steps in any state other than ready fail with InvalidTransition, so a
// blocked step can only reach the connector through an approval.
// A tool failure is reported through the result, not the error; the returned
// error covers precondition and storage failures only.
func (e *Executor) Execute(ctx context.Context, stepID string, args map[string]any) (*ExecutionResult, error) {
	var step *Step
	err := e.repo.Transact(ctx, func(tx Repository) error {
		var err error
		step, err = tx.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if step.State != StepStateReady {
			return types.InvalidTransition("step", step.ID, step.State, StepStateRunning)
		}
		if err := tx.LockRun(ctx, step.RunID); err != nil {
			return err
		}
		step.State = StepStateRunning
		step.Attempt++
		if err := tx.SwapStep(ctx, step, StepStateReady); err != nil {
			return err
		}
		return emit(ctx, tx, step.RunID, step.ID, "", EventStepRunning,
			fmt.Sprintf("Step running: %s (attempt %d)", step.Name, step.Attempt),
			map[string]any{"attempt": step.Attempt})
	})
	if err != nil {
		return nil, err
	}
	e.recorder.RecordStepTransition(StepStateRunning)

	if args == nil {
		args = step.Args
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	output, callErr := e.invoke(ctx, step, args)
	duration := time.Since(start)

	var resultRef []byte
	if callErr == nil {
		if resultRef, err = json.Marshal(output); err != nil {
			callErr = fmt.Errorf("encode tool result: %w", err)
		}
	}

	result := &ExecutionResult{StepID: step.ID, Attempt: step.Attempt}
	call := &ToolCall{
		RunID:     step.RunID,
		StepID:    step.ID,
		Attempt:   step.Attempt,
		Connector: step.Tool,
		Action:    step.Name,
		Args:      args,
	}
	if callErr == nil {
		call.Status = ToolCallSuccess
		call.Result = output
		result.Success = true
		result.Result = output
	} else {
		call.Status = ToolCallFailed
		call.Result = map[string]any{"error": callErr.Error()}
		result.Error = callErr.Error()
	}

	err = e.repo.Transact(ctx, func(tx Repository) error {
		if err := tx.LockRun(ctx, step.RunID); err != nil {
			return err
		}
		run, err := tx.GetRun(ctx, step.RunID)
		if err != nil {
			return err
		}
		if result.Success {
			step.State = StepStateSucceeded
			step.ResultRef = string(resultRef)
			step.ErrorMessage = ""
		} else {
			result.WillRetry = e.settleFailure(step, callErr, run.State == RunStateCanceled)
		}
		return recordAttempt(ctx, tx, step, call, result)
	})
	if err != nil {
		return nil, fmt.Errorf("record attempt %d of step %s: %w", step.Attempt, step.ID, err)
	}
	result.State = step.State

	e.recorder.RecordToolCall(step.Tool, call.Status, duration)
	e.recorder.RecordStepTransition(step.State)

	if result.Success {
		e.logger.Info("step succeeded",
			zap.String("step_id", step.ID),
			zap.String("tool", step.Tool),
			zap.Int("attempt", step.Attempt),
			zap.Duration("duration", duration))
	} else {
		e.logger.Warn("step attempt failed",
			zap.String("step_id", step.ID),
			zap.String("tool", step.Tool),
			zap.Int("attempt", step.Attempt),
			zap.String("state", string(step.State)),
			zap.Bool("will_retry", result.WillRetry),
			zap.Error(callErr))
	}
	return result, nil
}

// Reclaim closes attempts that were left running when a process stopped.
// Every running step of the run is recorded as a failed attempt and goes back
// to pending, or to failed once its attempts are used up. Only call it when
// nothing else can be executing the run's steps, e.g. on startup with
// in-process dispatch.
func (e *Executor) Reclaim(ctx context.Context, runID string) ([]string, error) {
	var reclaimed []*Step
	err := e.repo.Transact(ctx, func(tx Repository) error {
		reclaimed = reclaimed[:0]
		if err := tx.LockRun(ctx, runID); err != nil {
			return err
		}
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		steps, err := tx.ListSteps(ctx, runID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			if step.State != StepStateRunning {
				continue
			}
			call := &ToolCall{
				RunID:     step.RunID,
				StepID:    step.ID,
				Attempt:   step.Attempt,
				Connector: step.Tool,
				Action:    step.Name,
				Args:      step.Args,
				Status:    ToolCallFailed,
				Result:    map[string]any{"error": errAttemptInterrupted.Error()},
			}
			result := &ExecutionResult{StepID: step.ID, Attempt: step.Attempt, Error: errAttemptInterrupted.Error()}
			result.WillRetry = e.settleFailure(step, errAttemptInterrupted, run.State == RunStateCanceled)
			if err := recordAttempt(ctx, tx, step, call, result); err != nil {
				return err
			}
			reclaimed = append(reclaimed, step)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reclaim running steps of run %s: %w", runID, err)
	}

	ids := make([]string, len(reclaimed))
	for i, step := range reclaimed {
		ids[i] = step.ID
		e.recorder.RecordToolCall(step.Tool, ToolCallFailed, 0)
		e.recorder.RecordStepTransition(step.State)
		e.logger.Warn("reclaimed interrupted attempt",
			zap.String("run_id", runID),
			zap.String("step_id", step.ID),
			zap.Int("attempt", step.Attempt),
			zap.String("state", string(step.State)))
	}
	return ids, nil
}

var errAttemptInterrupted = errors.New("attempt interrupted")

// settleFailure picks the state after a failed attempt and reports whether
// the step will be retried.
func (e *Executor) settleFailure(step *Step, cause error, runCanceled bool) bool {
	switch {
	case step.Attempt >= e.maxAttempts:
		step.State = StepStateFailed
		step.ErrorMessage = fmt.Sprintf("max attempts exceeded: %v", cause)
		return false
	case runCanceled:
		step.State = StepStateSkipped
		step.ErrorMessage = "run canceled"
		return false
	default:
		step.State = StepStatePending
		step.ErrorMessage = cause.Error()
		return true
	}
}

// recordAttempt persists the outcome of one attempt of a running step.
func recordAttempt(ctx context.Context, tx Repository, step *Step, call *ToolCall, result *ExecutionResult) error {
	if err := tx.AppendToolCall(ctx, call); err != nil {
		return err
	}
	if err := tx.SwapStep(ctx, step, StepStateRunning); err != nil {
		return err
	}
	if result.Success {
		return emit(ctx, tx, step.RunID, step.ID, "", EventStepSucceeded,
			fmt.Sprintf("Step succeeded: %s", step.Name),
			map[string]any{"result": result.Result, "attempt": step.Attempt})
	}
	if err := emit(ctx, tx, step.RunID, step.ID, "", EventStepFailed,
		fmt.Sprintf("Step failed: %s - %s", step.Name, result.Error),
		map[string]any{"attempt": step.Attempt, "will_retry": result.WillRetry, "error": result.Error}); err != nil {
		return err
	}
	if step.State == StepStateSkipped {
		return emit(ctx, tx, step.RunID, step.ID, "", EventStepSkipped,
			fmt.Sprintf("Step skipped: %s (run canceled)", step.Name), nil)
	}
	return nil
}

// invoke calls the connector inside a span and turns panics into errors.
func (e *Executor) invoke(ctx context.Context, step *Step, args map[string]any) (out map[string]any, err error) {
	connector, registered := e.registry.Resolve(step.Tool)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "workflow.execute_step")
	span.SetAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.tool", step.Tool),
		attribute.Int("step.attempt", step.Attempt),
		attribute.Bool("connector.registered", registered),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connector panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !registered {
		e.logger.Debug("no connector registered, using generic", zap.String("tool", step.Tool))
	}
	return connector.Execute(ctx, step, args)
}

const tracerName = "github.com/BaSui01/gateflow/workflow"
