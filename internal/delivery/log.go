package delivery

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/trendradar/internal/trend"
)

// Log writes batches to the structured log. Useful for dry runs.
type Log struct {
	name   string
	limits trend.Limits
	logger *zap.Logger
}

// NewLog builds a log channel.
func NewLog(name string, limits trend.Limits, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{name: name, limits: limits, logger: logger.Named("delivery.log")}
}

// Name implements trend.Channel.
func (l *Log) Name() string { return l.name }

// Limits implements trend.Channel.
func (l *Log) Limits() trend.Limits { return l.limits }

// Send implements trend.Channel.
func (l *Log) Send(_ context.Context, b trend.Batch) error {
	for _, e := range b.Entries {
		l.logger.Info("digest item",
			zap.String("channel", l.name),
			zap.String("report_type", b.ReportType),
			zap.Int("batch", b.Index+1),
			zap.String("source_id", e.SourceID),
			zap.String("title", e.Title),
			zap.String("url", e.URL),
			zap.Float64("score", e.Score),
			zap.Strings("keywords", e.Keywords),
		)
	}
	return nil
}
