package services

import (
	"context"

	"crmflow/internal/events"
	"crmflow/internal/metrics"

	"github.com/sirupsen/logrus"
)

// DeadLetterRouter republishes events whose primary action exhausted its
// retries, so operators can inspect and replay them. The ledger's failed row
// is the durable record of the problem; losing the DLQ copy (broker down) is
// degraded but safe, so routing failures are logged and the message is still
// acked.
type DeadLetterRouter struct {
	publisher events.Publisher
	recorder  metrics.Recorder
	logger    *logrus.Logger
}

func NewDeadLetterRouter(publisher events.Publisher, recorder metrics.Recorder, logger *logrus.Logger) *DeadLetterRouter {
	if logger == nil {
		logger = logrus.New()
	}
	return &DeadLetterRouter{
		publisher: publisher,
		recorder:  recorder,
		logger:    logger,
	}
}

// Route publishes the full original envelope, unmodified, to the
// per-trigger dead-letter subject.
func (r *DeadLetterRouter) Route(ctx context.Context, evt events.Event) {
	topic := events.DeadLetterTopic(evt.Type)
	if err := r.publisher.Publish(ctx, topic, evt); err != nil {
		r.logger.WithFields(logrus.Fields{
			"event_id":       evt.ID,
			"event_type":     evt.Type,
			"correlation_id": evt.Correlation(),
		}).Errorf("dead-letter publish to %s failed: %v", topic, err)
	}
	r.recorder.IncDeadLettered(evt.Type)
}
