package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/catalog-harvester/internal/progress"
)

// LogSink writes one structured log line per event. Item successes log at
// debug level so large harvests stay readable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.State != "" {
			fields = append(fields, zap.String("state", evt.State))
		}
		if evt.Item != "" {
			fields = append(fields, zap.String("item", evt.Item), zap.String("url", evt.URL))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Kind != "" {
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Total > 0 {
			fields = append(fields, zap.Int64("total", evt.Total))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageItemDone:
		return zapcore.DebugLevel
	case progress.StageItemError, progress.StageJobAbort:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
