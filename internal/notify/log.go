package notify

import (
	"context"

	"domainflow/internal/saga"

	"go.uber.org/zap"
)

// LogNotifier writes every notification to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, recipientID string, kind saga.TemplateKind, payload map[string]any) error {
	n.logger.Info("notification",
		zap.String("recipient_id", recipientID),
		zap.String("template", string(kind)),
		zap.Any("payload", payload),
	)
	return nil
}
