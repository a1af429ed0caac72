// Package analytics records engine audit events to an append-only log file.
package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mukund-aria/ai-flow-saas-sub001/event"
)

type Config struct {
	FileName string
}

// AuditFileCollector writes one JSON line per state transition. It
// implements event.AuditSink; failures stay inside the collector.
type AuditFileCollector struct {
	fileName string
	logger   *zap.Logger
}

var _ event.AuditSink = new(AuditFileCollector)

func NewAuditFileCollector(conf Config) (*AuditFileCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = "" // to hide stacktrace info
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(conf.FileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewTee(zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel))
	return &AuditFileCollector{
		fileName: conf.FileName,
		logger:   zap.New(core),
	}, nil
}

func (ac *AuditFileCollector) Record(rec event.AuditRecord) {
	fields := []zap.Field{
		zap.String("runId", rec.RunId),
		zap.Strings("stepIds", rec.StepIds),
		zap.Time("at", rec.At),
	}
	if rec.Actor != nil {
		fields = append(fields, zap.String("actor", rec.Actor.Key()))
	}
	if len(rec.Detail) > 0 {
		fields = append(fields, zap.Any("detail", rec.Detail))
	}
	ac.logger.Info(rec.Action, fields...)
}

// NopAuditSink is used when no audit file is configured.
type NopAuditSink struct{}

func (NopAuditSink) Record(rec event.AuditRecord) {}
