package email

import (
	"context"

	"go.uber.org/zap"
)

// LogTransport only logs messages. Used for dry runs.
type LogTransport struct {
	Log *zap.Logger
}

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	if err := ValidateAddress(msg.To); err != nil {
		return err
	}
	t.Log.Info("email (dry run)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return nil
}
