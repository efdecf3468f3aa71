package workflow

import (
	"context"
	"time"
)

// Recorder receives operational signals from the core components.
// internal/metrics.Collector implements it; nil means no recording.
type Recorder interface {
	RecordRound(outcome string, duration time.Duration)
	RecordStepTransition(to StepState)
	RecordToolCall(connector string, status ToolCallStatus, duration time.Duration)
	RecordApprovalDecision(status ApprovalStatus)
	RecordWatchdogTrip()
	RecordRunFinished(state RunState)
}

type nopRecorder struct{}

func (nopRecorder) RecordRound(string, time.Duration) {}
func (nopRecorder) RecordStepTransition(StepState) {}
func (nopRecorder) RecordToolCall(string, ToolCallStatus, time.Duration) {}
func (nopRecorder) RecordApprovalDecision(ApprovalStatus) {}
func (nopRecorder) RecordWatchdogTrip() {}
func (nopRecorder) RecordRunFinished(RunState) {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

// emit appends a timeline event through tx, so it commits together with the
// state change it describes.
func emit(ctx context.Context, tx Repository, runID, stepID, approvalID string, typ EventType, message string, payload map[string]any) error {
	return tx.AppendEvent(ctx, &Event{
		RunID:      runID,
		StepID:     stepID,
		ApprovalID: approvalID,
		Type:       typ,
		Message:    message,
		Payload:    payload,
	})
}
