package event

import (
	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/model"
)

// LoggingNotifier is the default collaborator wiring: every scheduler-bound
// event lands in the structured log. Real deployments swap in an
// implementation that talks to the reminder scheduler and token issuer.
type LoggingNotifier struct{}

var _ Notifier = LoggingNotifier{}

func (LoggingNotifier) OnStepActivated(exec model.StepExecution, run model.FlowRun) {
	fields := []zap.Field{
		zap.String("runId", run.Id),
		zap.String("stepId", exec.StepId),
		zap.String("executionId", exec.Id),
	}
	if exec.DueAt != nil {
		fields = append(fields, zap.Time("dueAt", *exec.DueAt))
	}
	if exec.Assignee != nil {
		fields = append(fields, zap.String("assignee", exec.Assignee.Key()))
	}
	logger.Info("step activated", fields...)
}

func (LoggingNotifier) OnStepCompleted(exec model.StepExecution, run model.FlowRun) {
	logger.Info("step completed", zap.String("runId", run.Id), zap.String("stepId", exec.StepId), zap.String("executionId", exec.Id))
}

func (LoggingNotifier) OnRunCompleted(run model.FlowRun) {
	logger.Info("run completed", zap.String("runId", run.Id), zap.String("definition", run.DefinitionName))
}

func (LoggingNotifier) OnRunCancelled(run model.FlowRun, skippedStepIds []string) {
	logger.Info("run cancelled", zap.String("runId", run.Id), zap.Strings("skippedStepIds", skippedStepIds))
}

func (LoggingNotifier) OnStepReassigned(exec model.StepExecution, run model.FlowRun, previous *model.Identity) {
	fields := []zap.Field{
		zap.String("runId", run.Id),
		zap.String("stepId", exec.StepId),
	}
	if previous != nil {
		fields = append(fields, zap.String("previous", previous.Key()))
	}
	if exec.Assignee != nil {
		fields = append(fields, zap.String("assignee", exec.Assignee.Key()))
	}
	logger.Info("step reassigned", fields...)
}
