package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/internal/ctxkeys"
	"github.com/BaSui01/gateflow/types"
	"github.com/BaSui01/gateflow/workflow"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	eventPageSize     = 100
	idempotencyTTL    = 24 * time.Hour
	idempotencyMarker = "pending"
	cacheTypeIdem     = "idempotency"
)

// =============================================================================
// 🔌 依赖接口
// =============================================================================

// RunController 控制 run 的后台调度循环（workflow.Scheduler 实现）
type RunController interface {
	Start(runID string)
	Notify(runID string)
}

// IdempotencyStore 保存 Idempotency-Key 到 run id 的映射（cache.Manager 实现）
type IdempotencyStore interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheRecorder 记录幂等缓存命中情况（metrics.Collector 实现）
type CacheRecorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// =============================================================================
// 🧭 WorkflowHandler
// =============================================================================

// WorkflowHandler 处理 run / approval / 时间线相关请求
type WorkflowHandler struct {
	repo         workflow.Repository
	orchestrator *workflow.Orchestrator
	gate         *workflow.RiskGate
	runs         RunController
	idem         IdempotencyStore
	cacheMetrics CacheRecorder
	pollInterval time.Duration
	keepAlive    time.Duration
	logger       *zap.Logger
}

// NewWorkflowHandler 创建处理器；runs 为 nil 时只落库不调度
func NewWorkflowHandler(
	repo workflow.Repository,
	orchestrator *workflow.Orchestrator,
	gate *workflow.RiskGate,
	runs RunController,
	logger *zap.Logger,
) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		repo:         repo,
		orchestrator: orchestrator,
		gate:         gate,
		runs:         runs,
		pollInterval: 500 * time.Millisecond,
		keepAlive:    15 * time.Second,
		logger:       logger.With(zap.String("component", "workflow_handler")),
	}
}

// WithIdempotency 启用 Idempotency-Key 支持
func (h *WorkflowHandler) WithIdempotency(store IdempotencyStore, rec CacheRecorder) *WorkflowHandler {
	h.idem = store
	h.cacheMetrics = rec
	return h
}

// WithPollInterval 设置时间线流的轮询间隔
func (h *WorkflowHandler) WithPollInterval(d time.Duration) *WorkflowHandler {
	if d > 0 {
		h.pollInterval = d
	}
	return h
}

// Register 注册全部路由
func (h *WorkflowHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.HandleSubmitRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", withRunID(h.HandleGetRun))
	mux.HandleFunc("POST /v1/runs/{id}/cancel", withRunID(h.HandleCancelRun))
	mux.HandleFunc("GET /v1/runs/{id}/approvals", withRunID(h.HandleListApprovals))
	mux.HandleFunc("GET /v1/runs/{id}/events", withRunID(h.HandleListEvents))
	mux.HandleFunc("GET /v1/runs/{id}/events/stream", withRunID(h.HandleStreamEvents))
	mux.HandleFunc("GET /v1/runs/{id}/events/ws", withRunID(h.HandleWebSocketEvents))
	mux.HandleFunc("GET /v1/steps/{id}/tool-calls", h.HandleListToolCalls)
	mux.HandleFunc("GET /v1/approvals/{id}", h.HandleGetApproval)
	mux.HandleFunc("POST /v1/approvals/{id}/decision", h.HandleDecideApproval)
}

// withRunID 把路径中的 run id 放入 context，错误日志据此带上 run_id
func withRunID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(ctxkeys.WithRunID(r.Context(), r.PathValue("id"))))
	}
}

// ownedRun 读取 run。JWT 用户只能访问自己的 run，访问他人的 run 按不存在处理；
// API Key 与匿名调用视为运维身份，不做归属检查。
func (h *WorkflowHandler) ownedRun(ctx context.Context, runID string) (*workflow.Run, error) {
	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if p, ok := ctxkeys.PrincipalFrom(ctx); ok && p.Method == "jwt" && run.UserID != p.Subject {
		return nil, types.NotFound("run", runID)
	}
	return run, nil
}

// =============================================================================
// 🚀 Run
// =============================================================================

// HandleSubmitRun 处理 POST /v1/runs
func (h *WorkflowHandler) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.SubmitRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	req.Intent = strings.TrimSpace(req.Intent)
	if req.Intent == "" {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "intent is required"), h.logger)
		return
	}
	if p, ok := ctxkeys.PrincipalFrom(r.Context()); ok {
		req.UserID = p.Subject
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.idem != nil {
		key := fmt.Sprintf("idempotency:%s:%s", req.UserID, idemKey)
		run, done, err := h.claimIdempotencyKey(r.Context(), key)
		if err != nil {
			WriteErr(w, r, err, h.logger)
			return
		}
		if done {
			h.writeRun(w, r, http.StatusOK, run)
			return
		}
		run, err = h.submit(r.Context(), &req)
		if err != nil {
			// 释放标记，允许客户端用同一个 key 重试
			if delErr := h.idem.Delete(context.WithoutCancel(r.Context()), key); delErr != nil {
				h.logger.Warn("release idempotency key", zap.String("key", key), zap.Error(delErr))
			}
			WriteErr(w, r, err, h.logger)
			return
		}
		if err := h.idem.Set(context.WithoutCancel(r.Context()), key, run.ID, idempotencyTTL); err != nil {
			h.logger.Warn("store idempotency key", zap.String("key", key), zap.Error(err))
		}
		h.writeRun(w, r, http.StatusCreated, run)
		return
	}

	run, err := h.submit(r.Context(), &req)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	h.writeRun(w, r, http.StatusCreated, run)
}

// claimIdempotencyKey 返回 done=true 表示 key 已对应一个完成提交的 run
func (h *WorkflowHandler) claimIdempotencyKey(ctx context.Context, key string) (*workflow.Run, bool, error) {
	claimed, err := h.idem.SetNX(ctx, key, idempotencyMarker, idempotencyTTL)
	if err != nil {
		return nil, false, types.NewError(types.ErrServiceUnavailable, "idempotency store unavailable").
			WithCause(err).WithRetryable(true)
	}
	if claimed {
		h.recordCache(false)
		return nil, false, nil
	}
	h.recordCache(true)

	runID, err := h.idem.Get(ctx, key)
	if err != nil {
		return nil, false, types.NewError(types.ErrServiceUnavailable, "idempotency store unavailable").
			WithCause(err).WithRetryable(true)
	}
	if runID == idempotencyMarker {
		return nil, false, types.NewError(types.ErrConflict, "a request with this Idempotency-Key is in progress").
			WithRetryable(true)
	}
	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	return run, true, nil
}

func (h *WorkflowHandler) recordCache(hit bool) {
	if h.cacheMetrics == nil {
		return
	}
	if hit {
		h.cacheMetrics.RecordCacheHit(cacheTypeIdem)
	} else {
		h.cacheMetrics.RecordCacheMiss(cacheTypeIdem)
	}
}

func (h *WorkflowHandler) submit(ctx context.Context, req *api.SubmitRunRequest) (*workflow.Run, error) {
	var (
		run *workflow.Run
		err error
	)
	if req.Plan != nil {
		run, err = h.orchestrator.Realize(ctx, req.UserID, req.Intent, req.Plan)
	} else {
		run, err = h.orchestrator.Submit(ctx, req.UserID, req.Intent)
	}
	if err != nil {
		return nil, err
	}
	if h.runs != nil {
		h.runs.Start(run.ID)
	}
	h.logger.Info("run submitted",
		zap.String("run_id", run.ID),
		zap.String("user_id", run.UserID),
		zap.Bool("explicit_plan", req.Plan != nil))
	return run, nil
}

func (h *WorkflowHandler) writeRun(w http.ResponseWriter, r *http.Request, status int, run *workflow.Run) {
	steps, err := h.repo.ListSteps(r.Context(), run.ID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, status, api.RunResponse{Run: run, Steps: steps})
}

// HandleGetRun 处理 GET /v1/runs/{id}
func (h *WorkflowHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.ownedRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	h.writeRun(w, r, http.StatusOK, run)
}

// HandleListRuns 处理 GET /v1/runs?user_id=&state=a,b&limit=
func (h *WorkflowHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.RunFilter{UserID: q.Get("user_id")}
	if p, ok := ctxkeys.PrincipalFrom(r.Context()); ok && p.Method == "jwt" {
		// JWT 用户只能看到自己的 run
		filter.UserID = p.Subject
	}

	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			state := workflow.RunState(strings.TrimSpace(s))
			if !validRunState(state) {
				WriteError(w, r, types.Errorf(types.ErrInvalidRequest, "unknown run state %q", state), h.logger)
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}
	filter.Limit = limit

	runs, err := h.repo.ListRuns(r.Context(), filter)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.RunListResponse{Runs: runs, Total: len(runs)})
}

// HandleCancelRun 处理 POST /v1/runs/{id}/cancel
func (h *WorkflowHandler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := h.ownedRun(r.Context(), runID); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	run, err := h.orchestrator.Cancel(r.Context(), runID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if h.runs != nil {
		// 循环在下一轮看到 canceled 后退出
		h.runs.Notify(runID)
	}
	h.writeRun(w, r, http.StatusOK, run)
}

// HandleListToolCalls 处理 GET /v1/steps/{id}/tool-calls
func (h *WorkflowHandler) HandleListToolCalls(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("id")
	step, err := h.repo.GetStep(r.Context(), stepID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if _, err := h.ownedRun(r.Context(), step.RunID); err != nil {
		if types.IsCode(err, types.ErrNotFound) {
			err = types.NotFound("step", stepID)
		}
		WriteErr(w, r, err, h.logger)
		return
	}
	calls, err := h.repo.ListToolCalls(r.Context(), stepID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.ToolCallListResponse{ToolCalls: calls})
}

// =============================================================================
// ✅ Approval
// =============================================================================

// HandleListApprovals 处理 GET /v1/runs/{id}/approvals?status=required
func (h *WorkflowHandler) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	status := workflow.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", workflow.ApprovalRequired, workflow.ApprovalApproved, workflow.ApprovalRejected:
	default:
		WriteError(w, r, types.Errorf(types.ErrInvalidRequest, "unknown approval status %q", status), h.logger)
		return
	}
	if _, err := h.ownedRun(r.Context(), runID); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	approvals, err := h.repo.ListApprovals(r.Context(), runID, status)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.ApprovalListResponse{Approvals: approvals, Total: len(approvals)})
}

// HandleGetApproval 处理 GET /v1/approvals/{id}
func (h *WorkflowHandler) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := h.ownedApproval(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, approval)
}

// ownedApproval 读取 approval 并检查其所属 run 的归属
func (h *WorkflowHandler) ownedApproval(ctx context.Context, approvalID string) (*workflow.Approval, error) {
	approval, err := h.repo.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if _, err := h.ownedRun(ctx, approval.RunID); err != nil {
		if types.IsCode(err, types.ErrNotFound) {
			return nil, types.NotFound("approval", approvalID)
		}
		return nil, err
	}
	return approval, nil
}

// HandleDecideApproval 处理 POST /v1/approvals/{id}/decision。
// 认证身份优先作为 decided_by，其次是请求体，再次是 X-Operator 请求头。
func (h *WorkflowHandler) HandleDecideApproval(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.DecisionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	decidedBy := strings.TrimSpace(req.DecidedBy)
	if p, ok := ctxkeys.PrincipalFrom(r.Context()); ok {
		decidedBy = p.Subject
	} else if decidedBy == "" {
		decidedBy = strings.TrimSpace(r.Header.Get("X-Operator"))
	}
	if decidedBy == "" {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, "decided_by is required"), h.logger)
		return
	}

	approvalID := r.PathValue("id")
	approval, err := h.ownedApproval(r.Context(), approvalID)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	switch req.Decision {
	case api.DecisionApprove:
		approval, err = h.gate.Approve(r.Context(), approvalID, decidedBy)
	case api.DecisionReject:
		approval, err = h.gate.Reject(r.Context(), approvalID, decidedBy, req.Reason)
	default:
		WriteError(w, r, types.Errorf(types.ErrInvalidRequest,
			"decision must be %q or %q", api.DecisionApprove, api.DecisionReject), h.logger)
		return
	}
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	if h.runs != nil {
		// 审批可能在 watchdog 退出之后才到达，Start 会按需重建循环
		h.runs.Start(approval.RunID)
	}
	h.logger.Info("approval decided",
		zap.String("approval_id", approval.ID),
		zap.String("run_id", approval.RunID),
		zap.String("status", string(approval.Status)),
		zap.String("decided_by", decidedBy))
	WriteSuccess(w, r, approval)
}

// =============================================================================
// 📜 时间线
// =============================================================================

// HandleListEvents 处理 GET /v1/runs/{id}/events?after=N&limit=M
func (h *WorkflowHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	q := r.URL.Query()
	after, err := parseAfter(q.Get("after"))
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}
	if _, err := h.ownedRun(r.Context(), runID); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	events, err := h.repo.EventsAfter(r.Context(), runID, after, limit)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	next := after
	if n := len(events); n > 0 {
		next = events[n-1].ID
	}
	WriteSuccess(w, r, api.EventListResponse{Events: events, NextAfter: next})
}

// HandleStreamEvents 处理 GET /v1/runs/{id}/events/stream（SSE）。
// 起点取 Last-Event-ID 请求头或 after 参数；run 终态且事件取尽后发送 end 事件并关闭。
func (h *WorkflowHandler) HandleStreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	start := r.Header.Get("Last-Event-ID")
	if start == "" {
		start = r.URL.Query().Get("after")
	}
	after, err := parseAfter(start)
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}
	if _, err := h.ownedRun(r.Context(), runID); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, r, http.StatusInternalServerError, types.ErrInternalError, "streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(events []*workflow.Event) error {
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
				return err
			}
		}
		flusher.Flush()
		return nil
	}
	ping := func() error {
		if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	state, err := h.tail(r.Context(), runID, after, send, ping)
	if err != nil {
		if r.Context().Err() == nil {
			h.logger.Warn("event stream aborted", zap.String("run_id", runID), zap.Error(err))
		}
		return
	}
	_, _ = fmt.Fprintf(w, "event: end\ndata: {\"state\":%q}\n\n", state)
	flusher.Flush()
}

// wsMessage 是 WebSocket 下行消息
type wsMessage struct {
	Type  string          `json:"type"` // "event" | "end"
	Event *workflow.Event `json:"event,omitempty"`
	State string          `json:"state,omitempty"`
}

// HandleWebSocketEvents 处理 GET /v1/runs/{id}/events/ws?after=N。
// 只下行推送，客户端发来的消息被忽略。
func (h *WorkflowHandler) HandleWebSocketEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	after, err := parseAfter(r.URL.Query().Get("after"))
	if err != nil {
		WriteError(w, r, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}
	if _, err := h.ownedRun(r.Context(), runID); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端断开时取消 ctx
	ctx := conn.CloseRead(r.Context())

	send := func(events []*workflow.Event) error {
		for _, ev := range events {
			if err := wsjson.Write(ctx, conn, wsMessage{Type: "event", Event: ev}); err != nil {
				return err
			}
		}
		return nil
	}
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return conn.Ping(pingCtx)
	}

	state, err := h.tail(ctx, runID, after, send, ping)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("websocket stream aborted", zap.String("run_id", runID), zap.Error(err))
			conn.Close(websocket.StatusInternalError, "stream failed")
		}
		return
	}
	if err := wsjson.Write(ctx, conn, wsMessage{Type: "end", State: string(state)}); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "run finished")
}

// tail 轮询 EventsAfter 推送事件，直到 run 终态且没有剩余事件。
// 返回 run 的最终状态；ctx 取消或 send 失败时返回错误。
func (h *WorkflowHandler) tail(
	ctx context.Context,
	runID string,
	after int64,
	send func([]*workflow.Event) error,
	ping func() error,
) (workflow.RunState, error) {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		events, err := h.repo.EventsAfter(ctx, runID, after, eventPageSize)
		if err != nil {
			return "", err
		}
		if len(events) > 0 {
			if err := send(events); err != nil {
				return "", err
			}
			after = events[len(events)-1].ID
			lastWrite = time.Now()
			if len(events) == eventPageSize {
				continue
			}
		} else {
			// 先取事件再查状态：终态之前写入的事件在上一次 EventsAfter 中已被读到
			run, err := h.repo.GetRun(ctx, runID)
			if err != nil {
				return "", err
			}
			if run.State.IsTerminal() {
				rest, err := h.repo.EventsAfter(ctx, runID, after, 0)
				if err != nil {
					return "", err
				}
				if len(rest) > 0 {
					if err := send(rest); err != nil {
						return "", err
					}
				}
				return run.State, nil
			}
			if time.Since(lastWrite) >= h.keepAlive {
				if err := ping(); err != nil {
					return "", err
				}
				lastWrite = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// 🔧 参数解析
// =============================================================================

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func parseAfter(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("after must be a non-negative integer")
	}
	return n, nil
}

func validRunState(s workflow.RunState) bool {
	switch s {
	case workflow.RunStateQueued, workflow.RunStatePlanning, workflow.RunStateWaitingApproval,
		workflow.RunStateExecuting, workflow.RunStateCompleted, workflow.RunStateFailed,
		workflow.RunStateCanceled:
		return true
	default:
		return false
	}
}
